package translator

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"
)

// StableSessionID derives the upstream session id from the first user
// message's text, so every turn of one conversation lands on the same
// upstream cache. Conversations without user text get a random id.
func StableSessionID(messages []Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				return sessionIDFromText(block.Text)
			}
		}
	}
	return "-" + strconv.FormatUint(uint64(uuid.New().ID()), 10)
}

func sessionIDFromText(text string) string {
	h := sha256.Sum256([]byte(text))
	n := int64(binary.BigEndian.Uint64(h[:8])) & 0x7FFFFFFFFFFFFFFF
	return "-" + strconv.FormatInt(n, 10)
}
