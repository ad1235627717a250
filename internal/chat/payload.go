package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// payloadHash canonicalizes a send request so replays with the same
// idempotency key can be told apart from reuse with a different payload.
// Contexts are sorted, so reordering the same references is still a replay.
func payloadHash(req SendRequest) string {
	refs := make([]string, len(req.Contexts))
	for i, c := range req.Contexts {
		refs[i] = c.TargetType + ":" + c.TargetID.String()
	}
	sort.Strings(refs)

	h := sha256.New()
	for _, part := range []string{
		req.Content,
		req.ModelID.String(),
		req.KeyMode,
		strings.Join(refs, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
