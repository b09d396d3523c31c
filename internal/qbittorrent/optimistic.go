// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

const defaultOverlayTTL = 30 * time.Second

// OptimisticTorrentUpdate represents a temporary optimistic update to a torrent
type OptimisticTorrentUpdate struct {
	CommandID     string           `json:"commandId"`
	Action        Action           `json:"action"`
	State         qbt.TorrentState `json:"state"`
	OriginalState qbt.TorrentState `json:"originalState"`
	Pending       PendingAction    `json:"pending"`
	// Confirmed is set once the server accepted the command.
	Confirmed bool      `json:"confirmed"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Placeholder stands in for a torrent the server has not listed yet.
	Placeholder *Torrent `json:"-"`
}

// getTargetState returns the target state for the given action and progress
func getTargetState(action Action, progress float64) qbt.TorrentState {
	switch action {
	case ActionResume:
		if progress == 1.0 {
			return qbt.TorrentStateQueuedUp
		}
		return qbt.TorrentStateQueuedDl
	case ActionPause:
		if progress == 1.0 {
			return qbt.TorrentStatePausedUp
		}
		return qbt.TorrentStatePausedDl
	case ActionRecheck:
		if progress == 1.0 {
			return qbt.TorrentStateCheckingUp
		}
		return qbt.TorrentStateCheckingDl
	default:
		return ""
	}
}

func pendingFor(action Action) PendingAction {
	switch action {
	case ActionPause:
		return PendingPausing
	case ActionResume:
		return PendingResuming
	case ActionRecheck:
		return PendingRechecking
	case ActionDelete:
		return PendingDeleting
	case ActionAdd:
		return PendingAdding
	case ActionIncreasePriority, ActionDecreasePriority:
		return PendingReordering
	default:
		return PendingNone
	}
}

// Action state categories for optimistic update clearing
var actionSuccessCategories = map[Action]qbt.TorrentFilter{
	ActionResume:  qbt.TorrentFilterActive,
	ActionPause:   qbt.TorrentFilterPaused,
	ActionRecheck: qbt.TorrentFilterChecking,
}

// shouldClearOptimisticUpdate decides whether a confirmed update has been
// reflected by the server. present reports whether the server lists the torrent.
func shouldClearOptimisticUpdate(current Torrent, present bool, update *OptimisticTorrentUpdate, touched bool) bool {
	switch {
	case update.Action == ActionDelete:
		return !present
	case update.Placeholder != nil:
		return present
	case !present:
		return true
	case update.State == "":
		// Nothing to compare against, any server change to the torrent settles it
		return touched
	}

	if update.OriginalState != "" && current.State != update.OriginalState {
		log.Trace().
			Str("hash", current.Hash).
			Str("currentState", string(current.State)).
			Str("originalState", string(update.OriginalState)).
			Str("optimisticState", string(update.State)).
			Str("action", string(update.Action)).
			Msg("Clearing optimistic update - backend state changed from original")
		return true
	}

	if update.OriginalState == "" {
		if filter, ok := actionSuccessCategories[update.Action]; ok && stateInFilter(current.State, filter) {
			return true
		}
	}

	return current.State == update.State
}
