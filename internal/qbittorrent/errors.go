// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrAuthenticationFailed means the server rejected the credentials. Not retried.
	ErrAuthenticationFailed = errors.New("qBittorrent rejected the credentials")
	// ErrAuthExpired means the session cookie is no longer accepted (HTTP 403).
	ErrAuthExpired = errors.New("qBittorrent session expired")
	// ErrUnreachable covers network, DNS, TLS and timeout failures.
	ErrUnreachable = errors.New("qBittorrent server unreachable")
	// ErrNotConnected is returned when no session exists and none is being established.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrUnreachable)
	// ErrInvalidCommand is returned before any network call for malformed commands.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrUnknownProfile is returned when switching to a profile that does not exist.
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrProfileExists is returned when adding or renaming onto a taken name.
	ErrProfileExists = errors.New("profile already exists")
	// ErrServerError matches any *HTTPError.
	ErrServerError = errors.New("qBittorrent server error")
	// ErrStaleResult marks a poll result discarded because its runtime was closed.
	ErrStaleResult = errors.New("stale sync result discarded")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// HTTPError is a non-success, non-403 response.
type HTTPError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("qBittorrent %s returned HTTP %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("qBittorrent %s returned HTTP %d: %s", e.Path, e.StatusCode, body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrServerError
}

// ErrorKind is the user-facing classification of a failure.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindAuthExpired          ErrorKind = "auth_expired"
	KindUnreachable          ErrorKind = "unreachable"
	KindInvalidCommand       ErrorKind = "invalid_command"
	KindUnknownProfile       ErrorKind = "unknown_profile"
	KindServerError          ErrorKind = "server_error"
	KindCanceled             ErrorKind = "canceled"
	KindInternal             ErrorKind = "internal"
)

// KindOf classifies err into one of the ErrorKind values.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, ErrStaleResult), errors.Is(err, ErrClosed):
		return KindCanceled
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuthenticationFailed
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return KindUnreachable
	case errors.Is(err, ErrInvalidCommand):
		return KindInvalidCommand
	case errors.Is(err, ErrUnknownProfile):
		return KindUnknownProfile
	case errors.Is(err, ErrServerError):
		return KindServerError
	default:
		return KindInternal
	}
}

// isContextError reports caller-driven cancellation, which is never counted as a failure.
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled)
}
