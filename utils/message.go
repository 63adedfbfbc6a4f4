package utils

import "strings"

func GetTopicN(topic string, n int) string {
	tokens := strings.Split(topic, "/")
	if n < 0 || n >= len(tokens) {
		return ""
	}
	return tokens[n]
}

// TopicDepth is the number of levels in an MQTT topic or topic prefix.
func TopicDepth(topic string) int {
	if topic == "" {
		return 0
	}
	return strings.Count(topic, "/") + 1
}
