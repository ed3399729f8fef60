package mqtt

import "strings"

// MatchTopic reports whether topic matches the subscription filter using
// MQTT rules: "+" matches exactly one level, a trailing "#" matches the
// parent level and everything below it. Topics starting with "$" are not
// matched by a leading wildcard.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
