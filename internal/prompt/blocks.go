package prompt

// Span is a half-open code-point range within a fragment's canonical text,
// tagged empty when it holds only whitespace.
type Span struct {
	Start   int
	End     int
	IsEmpty bool
}

// SplitBlocks partitions canonical text into paragraph spans. Paragraphs are
// separated by "\n\n"; the delimiter belongs to the preceding span. The
// result covers [0, len) in code points with no gaps and no overlaps.
func SplitBlocks(text string) []Span {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var spans []Span
	start := 0
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			spans = append(spans, makeSpan(runes, start, i+2))
			start = i + 2
			i++
		}
	}
	if start < len(runes) {
		spans = append(spans, makeSpan(runes, start, len(runes)))
	}
	return spans
}

func makeSpan(runes []rune, start, end int) Span {
	empty := true
	for _, r := range runes[start:end] {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			empty = false
			break
		}
	}
	return Span{Start: start, End: end, IsEmpty: empty}
}
