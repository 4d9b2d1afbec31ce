package autofix

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
)

// Fingerprint identifies a command independent of surrounding whitespace.
func Fingerprint(command string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(command)))
	return hex.EncodeToString(sum[:])
}

// repeatsHistory reports whether command was already tried and failed.
func repeatsHistory(command string, history []schemas.HistoryEntry) bool {
	fp := Fingerprint(command)
	for _, h := range history {
		hash := h.CommandHash
		if hash == "" {
			hash = Fingerprint(h.Command)
		}
		if hash == fp {
			return true
		}
	}
	return false
}
