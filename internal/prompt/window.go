package prompt

const (
	// windowCap is the maximum context-window length in code points.
	windowCap = 2500
	// fallbackPad is the padding used when no block data covers a selection.
	fallbackPad = 600
)

// Window sources for observability.
const (
	WindowSourceBlocks   = "blocks"
	WindowSourceFallback = "fallback"
)

// WindowResult is a computed context window around a highlight selection.
type WindowResult struct {
	Start  int
	End    int
	Source string
}

// ContextWindow computes the surrounding-context range for the selection
// [s, e) over text of textLen code points.
//
// With block data, the window spans the blocks overlapping the selection
// extended to the nearest non-empty neighbor on each side. Without block
// data, or when no block overlaps, the window is the selection padded by
// fallbackPad on each side. Either way the result contains [s, e), stays in
// bounds, and is shrunk from the edges to at most windowCap. When the
// selection itself is larger than the cap, the window is exactly [s, e).
func ContextWindow(blocks []Span, textLen, s, e int) WindowResult {
	if s < 0 {
		s = 0
	}
	if e > textLen {
		e = textLen
	}
	if e < s {
		e = s
	}

	start, end, source := blockWindow(blocks, s, e)
	if source == WindowSourceFallback {
		start, end = s-fallbackPad, e+fallbackPad
	}
	if start > s {
		start = s
	}
	if end < e {
		end = e
	}
	if start < 0 {
		start = 0
	}
	if end > textLen {
		end = textLen
	}

	start, end = shrinkToCap(start, end, s, e)
	return WindowResult{Start: start, End: end, Source: source}
}

// blockWindow finds the block-based window, reporting fallback when no block
// overlaps the selection.
func blockWindow(blocks []Span, s, e int) (int, int, string) {
	first, last := -1, -1
	for i, b := range blocks {
		if b.Start < e && b.End > s {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		return 0, 0, WindowSourceFallback
	}

	start := blocks[first].Start
	end := blocks[last].End
	for i := first - 1; i >= 0; i-- {
		if !blocks[i].IsEmpty {
			start = blocks[i].Start
			break
		}
	}
	for i := last + 1; i < len(blocks); i++ {
		if !blocks[i].IsEmpty {
			end = blocks[i].End
			break
		}
	}
	return start, end, WindowSourceBlocks
}

// shrinkToCap trims the margins around [s, e) until the window fits the cap,
// never cutting into the selection itself.
func shrinkToCap(start, end, s, e int) (int, int) {
	if end-start <= windowCap {
		return start, end
	}
	avail := windowCap - (e - s)
	if avail <= 0 {
		return s, e
	}
	left := s - start
	right := end - e
	half := avail / 2
	if left < half {
		right = avail - left
	} else if right < avail-half {
		left = avail - right
	} else {
		left = half
		right = avail - half
	}
	return s - left, e + right
}
