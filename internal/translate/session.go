package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SessionHashFromRequest derives a sticky-routing key for a conversation,
// in the same priority order the teacher's scheduler used for its own
// sticky session binding: an explicit session marker in metadata.user_id,
// else the system prompt, else the first user message. Returns "" when
// none of those are present, meaning the request has no sticky affinity.
func SessionHashFromRequest(req *MessagesRequest) string {
	if req.Metadata != nil && req.Metadata.UserID != "" {
		if idx := strings.LastIndex(req.Metadata.UserID, "session_"); idx >= 0 {
			return hashStr("session:" + req.Metadata.UserID[idx:])
		}
	}
	if sys, err := flattenSystemPrompt(req.System); err == nil && sys != "" {
		return hashStr("system:" + truncate(sys, 200))
	}
	if len(req.Messages) > 0 {
		if text, err := firstMessageText(req.Messages[0]); err == nil && text != "" {
			return hashStr("msg:" + truncate(text, 200))
		}
	}
	return ""
}

func firstMessageText(m InputMessage) (string, error) {
	blocks, err := parseContent(m.Content)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func hashStr(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}
