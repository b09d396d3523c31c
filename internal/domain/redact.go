// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

const redactedMarker = "<redacted>"

// RedactString hides a secret value. Empty input stays empty so callers can
// still tell "unset" apart from "set".
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedMarker
}

// IsRedactedString reports whether s is the placeholder produced by RedactString.
func IsRedactedString(s string) bool {
	return strings.TrimSpace(s) == redactedMarker
}
