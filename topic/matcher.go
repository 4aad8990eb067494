package topic

import "strings"

// Match reports whether a topic name matches a subscription filter using
// MQTT matching semantics. A filter starting with a wildcard never matches
// a topic beginning with '$'.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") &&
		(strings.HasPrefix(filter, "#") || strings.HasPrefix(filter, "+")) {
		return false
	}

	if filter == topic {
		return true
	}

	return matchLevels(splitLevels(filter), splitLevels(topic))
}

func matchLevels(filterLevels, topicLevels []string) bool {
	filterLen := len(filterLevels)
	topicLen := len(topicLevels)

	fi := 0
	ti := 0

	for fi < filterLen && ti < topicLen {
		filterLevel := filterLevels[fi]
		topicLevel := topicLevels[ti]

		if filterLevel == "#" {
			return true
		}

		if filterLevel == "+" {
			fi++
			ti++
			continue
		}

		if filterLevel != topicLevel {
			return false
		}

		fi++
		ti++
	}

	// A trailing "#" also matches the parent level itself ("a/#" matches "a").
	if fi < filterLen {
		return filterLen-fi == 1 && filterLevels[fi] == "#"
	}

	return ti == topicLen
}
