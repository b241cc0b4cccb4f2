package envelope

import (
	"fmt"
	"strings"
)

// DLQSuffix is appended to a topic name to form its dead-letter sibling.
const DLQSuffix = ":dlq"

const maxTopicLen = 255

// DLQTopic returns the dead-letter topic for the given topic.
func DLQTopic(topic string) string {
	return topic + DLQSuffix
}

// IsDLQTopic reports whether the name refers to a dead-letter topic.
func IsDLQTopic(topic string) bool {
	return strings.HasSuffix(topic, DLQSuffix)
}

// CheckTopicName validates a topic name against the naming convention
// <tenant>.<project>.<domain>.<subdomain>.<verb>, lowercase, dot-separated,
// at most 255 characters, with an optional :dlq suffix.
func CheckTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic name is empty")
	}
	if len(topic) > maxTopicLen {
		return fmt.Errorf("topic name exceeds %d characters", maxTopicLen)
	}
	name := strings.TrimSuffix(topic, DLQSuffix)
	segments := strings.Split(name, ".")
	if len(segments) != 5 {
		return fmt.Errorf("topic %q must have 5 dot-separated segments", topic)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("topic %q has an empty segment", topic)
		}
		for _, r := range seg {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
				return fmt.Errorf("topic %q contains invalid character %q", topic, r)
			}
		}
	}
	return nil
}
