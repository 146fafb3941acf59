// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const sharePrefix = "$share/"

// ParseShared parses a shared subscription filter.
// Format: $share/{ShareName}/{TopicFilter}
// Returns: shareName, topicFilter, isShared
//
// Examples:
//   - "$share/group1/sensors/#" -> ("group1", "sensors/#", true)
//   - "sensors/#" -> ("", "sensors/#", false)
func ParseShared(filter string) (shareName, topicFilter string, isShared bool) {
	if !strings.HasPrefix(filter, sharePrefix) {
		return "", filter, false
	}

	rest := filter[len(sharePrefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", filter, false
	}
	// The share name itself may not contain wildcards.
	if strings.ContainsAny(parts[0], wildOne+wildMulti) {
		return "", filter, false
	}

	return parts[0], parts[1], true
}

// IsShared returns true if the filter is a shared subscription.
func IsShared(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}
