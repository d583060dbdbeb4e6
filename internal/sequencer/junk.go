package sequencer

import "regexp"

// junkPatterns match rows that are accounted for but never routed: bare links,
// missed-call notices and tapback reactions (optionally after an emoji or
// other non-word prefix).
var junkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://\S+$`),
	regexp.MustCompile(`(?i)missed a call`),
	regexp.MustCompile(`(?i)didn't leave a message`),
	regexp.MustCompile(`(?i)^\W*(liked|loved|laughed at|emphasi[sz]ed|disliked|questioned)\s+["“]`),
}

// IsJunk reports whether text should be skipped without a turn.
func IsJunk(text string) bool {
	for _, p := range junkPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
