package session

import (
	"errors"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

const rtcpFeedbackPrefix = "a=rtcp-fb:"

var nackFeedback = regexp.MustCompile(`^a=rtcp-fb:[0-9]+ nack$`)

var errNoMedia = errors.New("session description has no media sections")

// StripRTCPFeedback removes every a=rtcp-fb line except plain NACK ones.
// Other lines, their order and their line endings are left untouched.
func StripRTCPFeedback(desc string) string {
	lines := strings.Split(desc, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(l, rtcpFeedbackPrefix) && !nackFeedback.MatchString(strings.TrimSuffix(l, "\r")) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// ValidateSDP parses desc and requires at least one media section.
func ValidateSDP(desc string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc)); err != nil {
		return err
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errNoMedia
	}
	return nil
}
