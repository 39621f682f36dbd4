package changes

import (
	"encoding/json"
	"strings"
)

// Markers delimiting one change record on a script's standard output.
const (
	BeginMarker = "CHANGE_JSON_BEGIN"
	EndMarker   = "CHANGE_JSON_END"
)

// Parse extracts every well-formed change block from script output, in emission order.
// Non-marker lines of any length are ignored, and a malformed or unterminated
// block is skipped without affecting the blocks around it.
func Parse(output string) []Change {
	result := make([]Change, 0)

	var (
		inBlock bool
		body    strings.Builder
		line    string
	)

	for rest := output; rest != ""; {
		line, rest, _ = strings.Cut(rest, "\n")
		line = strings.TrimSpace(line)

		switch {
		case line == BeginMarker:
			// A new begin marker discards any unterminated block.
			inBlock = true
			body.Reset()
		case line == EndMarker:
			if !inBlock {
				continue
			}
			inBlock = false
			if change, ok := decodeChange(body.String()); ok {
				result = append(result, change)
			}
			body.Reset()
		case inBlock:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}

	return result
}

// decodeChange decodes a single JSON change record.
func decodeChange(raw string) (Change, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Change{}, false
	}

	var c Change
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Change{}, false
	}
	if c.Type == "" {
		return Change{}, false
	}
	return c, true
}

// Marker renders a change in the marker protocol. Scripts written in Go tests and
// generated helpers use it to report changes.
func Marker(c Change) string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return BeginMarker + "\n" + string(data) + "\n" + EndMarker + "\n"
}
