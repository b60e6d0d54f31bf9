package commands

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

// maxCommandLen is Telegram's limit for a bot command name.
const maxCommandLen = 32

var reqSeq atomic.Uint64

// newReqID returns a short request id for log correlation, e.g. "sk2x1c9-7q".
func newReqID() string {
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 36)
	seq := strconv.FormatUint(reqSeq.Add(1), 36)
	return stamp + "-" + seq + string(rune('a'+rand.IntN(26))) //nolint:gosec // not security sensitive
}

// parseCommand splits "/name@bot arg1 arg2" into a lowercase name, the
// addressed bot (may be empty) and args. ok is false when text is not a command.
func parseCommand(text string) (name, bot string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", "", nil, false
	}
	head, found := strings.CutPrefix(fields[0], "/")
	if !found {
		return "", "", nil, false
	}
	head, bot, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", nil, false
	}
	return strings.ToLower(head), bot, fields[1:], true
}

// sanitizeCommand folds s into a Telegram-safe command name: lowercase ASCII
// letters, digits and single underscores, at most 32 characters.
func sanitizeCommand(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case strings.ContainsRune("_- /", r):
			pendingSep = true
		}
	}
	out := b.String()
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}
