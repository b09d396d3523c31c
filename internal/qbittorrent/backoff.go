// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Backoff constants
const (
	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// failureInfo tracks failure state and backoff for a profile
type failureInfo struct {
	nextRetry time.Time
	attempts  int
}

// FailureTracker applies exponential backoff to automatic reconnects, keyed by
// profile name so switching away and back does not reset a ban window.
type FailureTracker struct {
	mu      sync.RWMutex
	entries map[string]*failureInfo
	now     func() time.Time

	initial    time.Duration
	max        time.Duration
	banInitial time.Duration
	banMax     time.Duration
}

func NewFailureTracker() *FailureTracker {
	return &FailureTracker{
		entries:    make(map[string]*failureInfo),
		now:        time.Now,
		initial:    initialBackoff,
		max:        maxBackoff,
		banInitial: banInitialBackoff,
		banMax:     banMaxBackoff,
	}
}

// InBackoff checks if a profile is in its backoff period
func (f *FailureTracker) InBackoff(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, exists := f.entries[key]
	if !exists {
		return false
	}
	return f.now().Before(info.nextRetry)
}

// NextRetry returns when automatic reconnects resume, zero if not backing off.
func (f *FailureTracker) NextRetry(key string) time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if info, ok := f.entries[key]; ok {
		return info.nextRetry
	}
	return time.Time{}
}

// TrackFailure records a failure and applies exponential backoff
func (f *FailureTracker) TrackFailure(key string, err error) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, exists := f.entries[key]
	if !exists {
		info = &failureInfo{}
		f.entries[key] = info
	}

	info.attempts++

	var backoffDuration time.Duration
	if isBanError(err) {
		backoffDuration = calculateBackoff(info.attempts, f.banInitial, f.banMax)
		log.Warn().Str("profile", key).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("IP ban detected, applying extended backoff")
	} else {
		backoffDuration = calculateBackoff(info.attempts, f.initial, f.max)
		log.Debug().Str("profile", key).Int("attempts", info.attempts).Dur("backoffDuration", backoffDuration).Msg("Connection failure, applying backoff")
	}

	info.nextRetry = f.now().Add(backoffDuration)
	return backoffDuration
}

// Reset clears failure tracking for successful connections or explicit user actions
func (f *FailureTracker) Reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[key]; exists {
		delete(f.entries, key)
		log.Debug().Str("profile", key).Msg("Reset failure tracking after successful connection")
	}
}

// Rename moves tracking state to a profile's new name.
func (f *FailureTracker) Rename(oldKey, newKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.entries[oldKey]; ok {
		delete(f.entries, oldKey)
		f.entries[newKey] = info
	}
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// Cap the shift so large attempt counts cannot overflow
	shift := min(attempts-1, 20)
	return min(time.Duration(1<<shift)*initialDuration, maxDuration)
}

// errIPBanned marks a 403 on the login endpoint, which qBittorrent uses for banned clients.
var errIPBanned = errors.New("client IP is banned")

// isBanError checks if the error indicates an IP ban
func isBanError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errIPBanned) {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts")
}
