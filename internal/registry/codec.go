package registry

import (
	"bytes"
	"strconv"
)

// Encode renders ids one per line with a trailing newline. An empty set encodes to nil.
func Encode(ids []int64) []byte {
	if len(ids) == 0 {
		return nil
	}
	var b bytes.Buffer
	b.Grow(len(ids) * 12)
	for _, id := range ids {
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// maxInvalidLine bounds how much of a rejected line is kept for logging.
const maxInvalidLine = 64

// Decode parses line-delimited ids. Blank lines are ignored, duplicates keep their
// first position, and lines that are not integers are returned in invalid
// (truncated to maxInvalidLine bytes). Lines of any length are accepted, so a
// corrupt line never hides the ids after it.
func Decode(data []byte) (ids []int64, invalid []string) {
	seen := map[int64]struct{}{}
	for len(data) > 0 {
		var raw []byte
		raw, data, _ = bytes.Cut(data, []byte{'\n'})
		line := string(bytes.TrimSpace(raw))
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			if len(line) > maxInvalidLine {
				line = line[:maxInvalidLine] + "..."
			}
			invalid = append(invalid, line)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, invalid
}
