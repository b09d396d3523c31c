// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 10 * time.Second},
		{attempts: 1, want: 10 * time.Second},
		{attempts: 2, want: 20 * time.Second},
		{attempts: 3, want: 40 * time.Second},
		{attempts: 4, want: time.Minute},
		{attempts: 500, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempts), func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoff(tt.attempts, initialBackoff, maxBackoff))
		})
	}

	assert.Equal(t, banMaxBackoff, calculateBackoff(10, banInitialBackoff, banMaxBackoff))
}

func TestFailureTracker(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewFailureTracker()
	tracker.now = func() time.Time { return now }

	assert.False(t, tracker.InBackoff("home"))
	assert.True(t, tracker.NextRetry("home").IsZero())

	assert.Equal(t, 10*time.Second, tracker.TrackFailure("home", ErrUnreachable))
	assert.True(t, tracker.InBackoff("home"))
	assert.Equal(t, now.Add(10*time.Second), tracker.NextRetry("home"))
	assert.False(t, tracker.InBackoff("other"), "profiles back off independently")

	assert.Equal(t, 20*time.Second, tracker.TrackFailure("home", ErrUnreachable))

	now = now.Add(21 * time.Second)
	assert.False(t, tracker.InBackoff("home"))

	tracker.Rename("home", "house")
	assert.True(t, tracker.NextRetry("home").IsZero())
	assert.Equal(t, 40*time.Second, tracker.TrackFailure("house", ErrUnreachable), "attempts survive a rename")

	tracker.Reset("house")
	assert.False(t, tracker.InBackoff("house"))
	assert.Equal(t, 10*time.Second, tracker.TrackFailure("house", ErrUnreachable))
}

func TestFailureTracker_BanUsesLongerBackoff(t *testing.T) {
	tracker := NewFailureTracker()

	ban := fmt.Errorf("%w: %w", ErrAuthenticationFailed, errIPBanned)
	assert.Equal(t, banInitialBackoff, tracker.TrackFailure("home", ban))
	assert.Equal(t, 2*banInitialBackoff, tracker.TrackFailure("home", ban))
}

func TestIsBanError(t *testing.T) {
	assert.False(t, isBanError(nil))
	assert.False(t, isBanError(ErrUnreachable))
	assert.True(t, isBanError(errors.Wrap(errIPBanned, "login")))
	assert.True(t, isBanError(errors.New("Your IP is banned for too many failed login attempts")))
}
