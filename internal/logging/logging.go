// Package logging builds the service-wide zerolog logger and enforces the
// redaction policy: raw prompt text, message content, and API keys must never
// appear as structured log fields. Callers log derived fields instead
// (content_sha256, content_chars, key_fingerprint).
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// forbiddenKeys are field names the redaction policy rejects. Suffixed derived
// variants (_sha256, _length, _chars, _fingerprint) are always allowed.
var forbiddenKeys = []string{"content", "prompt", "api_key", "apikey", "plaintext", "authorization"}

var allowedSuffixes = []string{"_sha256", "_length", "_chars", "_fingerprint", "_id", "_count"}

// strict controls violation behavior: panic in dev/test, drop the field in prod.
var strict bool

// ForbiddenKey reports whether a structured field key is banned by the
// redaction policy.
func ForbiddenKey(key string) bool {
	k := strings.ToLower(key)
	for _, suf := range allowedSuffixes {
		if strings.HasSuffix(k, suf) {
			return false
		}
	}
	for _, f := range forbiddenKeys {
		if k == f || strings.HasSuffix(k, "_"+f) {
			return true
		}
	}
	return false
}

// New builds the root logger. env "dev" gets console output and strict
// redaction (panics on violation); anything else logs JSON to stdout and
// drops offending fields.
func New(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	strict = env == "dev" || env == "test"
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Field attaches key=value to the event, applying the redaction policy:
// forbidden keys panic in dev/test and are dropped otherwise.
func Field(e *zerolog.Event, key, value string) *zerolog.Event {
	if ForbiddenKey(key) {
		if strict {
			panic(fmt.Sprintf("logging: forbidden field key %q", key))
		}
		return e
	}
	return e.Str(key, value)
}

// Redacted attaches the allowed derived forms of a sensitive value: its
// SHA-256 and its length in code points.
func Redacted(e *zerolog.Event, prefix, value string) *zerolog.Event {
	sum := sha256.Sum256([]byte(value))
	return e.
		Str(prefix+"_sha256", hex.EncodeToString(sum[:])).
		Int(prefix+"_chars", utf8.RuneCountInString(value))
}
