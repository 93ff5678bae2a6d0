package render

import "regexp"

var (
	ansiCSI     = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiOSC     = regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`)
	ansiString  = regexp.MustCompile(`\x1b[P^_k].*?\x1b\\`)
	ansiCharset = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
	ansiSingle  = regexp.MustCompile(`\x1b.?`)
)

// Sanitize removes terminal control sequences from remote text so that a
// log line cannot move the cursor or retitle the terminal. Tabs survive.
func Sanitize(s string) string {
	s = ansiCSI.ReplaceAllString(s, "")
	s = ansiOSC.ReplaceAllString(s, "")
	s = ansiString.ReplaceAllString(s, "")
	s = ansiCharset.ReplaceAllString(s, "")
	s = ansiSingle.ReplaceAllString(s, "")

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\b' {
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		}
		if (ch < 0x20 || ch == 0x7f) && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
