package launchd

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

// disabledLine matches `"com.example.label" => disabled` rows of the
// disabled-services dump.
var disabledLine = regexp.MustCompile(`^\s*"([^"]+)"\s*=>\s*(\w+)`)

// ParseDisabled parses launchd's disabled-services text into label → disabled.
// Rows with an unrecognized state are skipped.
func ParseDisabled(text []byte) map[string]bool {
	out := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), len(text)+1)
	for scanner.Scan() {
		m := disabledLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "disabled", "true":
			out[m[1]] = true
		case "enabled", "false":
			out[m[1]] = false
		}
	}
	return out
}
