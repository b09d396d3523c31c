// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultSyncInterval   = 5 * time.Second
	minSyncInterval       = 3 * time.Second
	defaultDebounceDelay  = 200 * time.Millisecond
	defaultDebounceJitter = 10 * time.Millisecond
)

// Recorder receives sync and command measurements. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ObservePoll(profile string, took time.Duration, kind ErrorKind)
	SetTorrentCount(profile string, n int)
	ObserveCommand(profile string, action Action, status CommandStatus, kind ErrorKind)
	SetConnectionState(profile string, state SessionState)
}

type nopRecorder struct{}

func (nopRecorder) ObservePoll(string, time.Duration, ErrorKind)            {}
func (nopRecorder) SetTorrentCount(string, int)                             {}
func (nopRecorder) ObserveCommand(string, Action, CommandStatus, ErrorKind) {}
func (nopRecorder) SetConnectionState(string, SessionState)                 {}

type EngineOptions struct {
	// Interval between scheduled polls, floored at 3s.
	Interval    time.Duration
	AutoRefresh bool
	// DebounceDelay groups RequestSync calls fired in quick succession.
	DebounceDelay time.Duration
	// OverlayTTL bounds how long an optimistic effect can outlive its command.
	OverlayTTL time.Duration
	Recorder   Recorder
}

// Update is delivered to OnUpdate listeners after every merge and every
// optimistic change.
type Update struct {
	Snapshot *Snapshot
	Changes  ChangeSet
}

// EngineStatus summarizes connectivity for the UI.
type EngineStatus struct {
	Profile   string
	State     SessionState
	Degraded  bool
	LastError error
	LastPoll  time.Time
	Rid       int64
	NextRetry time.Time
}

// SyncEngine keeps the local mirror of one server current through incremental
// sync/maindata polls and layers optimistic command effects on top of it.
type SyncEngine struct {
	session *SessionManager
	opts    EngineOptions
	profile string

	// pollMu serializes polls so merges apply in issue order
	pollMu sync.Mutex

	mu         sync.RWMutex
	mirror     *mirror
	cursor     int64
	seenOrigin uint64
	server     *Snapshot
	view       *Snapshot
	degraded   bool
	lastErr    error
	lastPoll   time.Time
	overlay    *ttlcache.Cache[string, *OptimisticTorrentUpdate]

	autoRefresh atomic.Bool
	epoch       atomic.Uint64
	closed      atomic.Bool
	lifeCtx     context.Context
	cancel      context.CancelFunc

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	listenersMu     sync.RWMutex
	updateListeners []func(Update)
	statusListeners []func(EngineStatus)
}

func NewSyncEngine(session *SessionManager, opts EngineOptions) *SyncEngine {
	if opts.Interval <= 0 {
		opts.Interval = defaultSyncInterval
	}
	opts.Interval = max(opts.Interval, minSyncInterval)
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = defaultDebounceDelay
	}
	if opts.OverlayTTL <= 0 {
		opts.OverlayTTL = defaultOverlayTTL
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	profile := session.ProfileName()
	lifeCtx, cancel := context.WithCancel(context.Background())
	empty := emptySnapshot(profile)

	e := &SyncEngine{
		session: session,
		opts:    opts,
		profile: profile,
		mirror:  newMirror(),
		server:  empty,
		view:    empty,
		overlay: ttlcache.New(ttlcache.Options[string, *OptimisticTorrentUpdate]{}.
			SetDefaultTTL(opts.OverlayTTL)),
		lifeCtx: lifeCtx,
		cancel:  cancel,
	}
	e.autoRefresh.Store(opts.AutoRefresh)

	session.OnStateChange(func(change StateChange) {
		opts.Recorder.SetConnectionState(change.Profile, change.State)
		e.notifyStatus()
	})

	return e
}

// Snapshot returns the view the UI renders: server state plus optimistic effects.
func (e *SyncEngine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

// ServerSnapshot returns the authoritative mirror without optimistic effects.
func (e *SyncEngine) ServerSnapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.server
}

func (e *SyncEngine) Status() EngineStatus {
	e.mu.RLock()
	status := EngineStatus{
		Profile:   e.profile,
		Degraded:  e.degraded,
		LastError: e.lastErr,
		LastPoll:  e.lastPoll,
		Rid:       e.cursor,
	}
	e.mu.RUnlock()

	status.State = e.session.State()
	if e.session.InBackoff() {
		status.NextRetry = e.session.NextRetry()
	}
	return status
}

func (e *SyncEngine) SetAutoRefresh(enabled bool) {
	e.autoRefresh.Store(enabled)
}

// OnUpdate registers a listener. Listeners run synchronously and must not block.
func (e *SyncEngine) OnUpdate(fn func(Update)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.updateListeners = append(e.updateListeners, fn)
}

// OnStatus registers a connectivity listener. Listeners must not block.
func (e *SyncEngine) OnStatus(fn func(EngineStatus)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.statusListeners = append(e.statusListeners, fn)
}

func (e *SyncEngine) notifyUpdate(update Update) {
	if e.closed.Load() {
		return
	}
	e.listenersMu.RLock()
	listeners := append([]func(Update){}, e.updateListeners...)
	e.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(update)
	}
}

func (e *SyncEngine) notifyStatus() {
	if e.closed.Load() {
		return
	}
	e.listenersMu.RLock()
	listeners := append([]func(EngineStatus){}, e.statusListeners...)
	e.listenersMu.RUnlock()
	if len(listeners) == 0 {
		return
	}
	status := e.Status()
	for _, fn := range listeners {
		fn(status)
	}
}

// Poll fetches everything changed since the cursor and merges it. A renewal
// inside the request retries with the same cursor; a fresh login restarts it
// from zero so the server answers with a full update.
func (e *SyncEngine) Poll(ctx context.Context) (ChangeSet, error) {
	if e.closed.Load() {
		return ChangeSet{}, ErrClosed
	}

	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.lifeCtx, cancel)
	defer stop()

	epoch := e.epoch.Load()
	start := time.Now()

	sess, err := e.session.EnsureAuthenticated(ctx)
	if err != nil {
		return ChangeSet{}, e.pollFailed(epoch, start, err)
	}

	e.mu.RLock()
	rid := e.cursor
	if sess.Origin != e.seenOrigin {
		rid = 0
	}
	e.mu.RUnlock()

	params := url.Values{}
	params.Set("rid", strconv.FormatInt(rid, 10))

	resp, err := e.session.Do(ctx, Request{Method: http.MethodGet, Path: "sync/maindata", Params: params})
	if err != nil {
		return ChangeSet{}, e.pollFailed(epoch, start, err)
	}
	if resp.Session.Origin != sess.Origin {
		// A fresh login raced this poll; the cursor we sent belongs to the old chain
		return ChangeSet{}, ErrStaleResult
	}

	data, err := decodeMainData(resp.Body)
	if err != nil {
		return ChangeSet{}, e.pollFailed(epoch, start, err)
	}

	now := time.Now()

	e.mu.Lock()
	if e.epoch.Load() != epoch {
		e.mu.Unlock()
		return ChangeSet{}, ErrStaleResult
	}

	next, changes, err := applyMainData(e.mirror, data)
	if err != nil {
		e.mu.Unlock()
		return ChangeSet{}, e.pollFailed(epoch, start, err)
	}
	changes.Profile = e.profile

	e.mirror = next
	e.cursor = data.Rid
	e.seenOrigin = sess.Origin
	e.server = next.snapshot(e.profile, now)
	e.reconcileOverlayLocked(changes)
	e.view = e.buildViewLocked()
	wasDegraded := e.degraded
	e.degraded = false
	e.lastErr = nil
	e.lastPoll = now
	view := e.view
	e.mu.Unlock()

	e.opts.Recorder.ObservePoll(e.profile, time.Since(start), KindNone)
	e.opts.Recorder.SetTorrentCount(e.profile, len(view.Torrents))

	log.Trace().
		Str("profile", e.profile).
		Int64("rid", data.Rid).
		Bool("fullUpdate", changes.FullUpdate).
		Int("added", len(changes.Added)).
		Int("updated", len(changes.Updated)).
		Int("removed", len(changes.Removed)).
		Msg("Merged sync/maindata")

	if wasDegraded {
		log.Info().Str("profile", e.profile).Msg("qBittorrent connection recovered")
		e.notifyStatus()
	}
	e.notifyUpdate(Update{Snapshot: view, Changes: changes})

	return changes, nil
}

func (e *SyncEngine) pollFailed(epoch uint64, start time.Time, err error) error {
	if e.epoch.Load() != epoch {
		return ErrStaleResult
	}
	if isContextError(err) {
		return err
	}

	e.mu.Lock()
	e.degraded = true
	e.lastErr = err
	e.mu.Unlock()

	kind := KindOf(err)
	e.opts.Recorder.ObservePoll(e.profile, time.Since(start), kind)

	if errors.Is(err, ErrNotConnected) {
		log.Debug().Err(err).Str("profile", e.profile).Msg("Skipping sync, not connected")
	} else {
		log.Warn().Err(err).Str("profile", e.profile).Str("kind", string(kind)).Msg("Failed to sync with qBittorrent, keeping last snapshot")
	}

	e.notifyStatus()
	return err
}

// Run polls on a fixed interval until ctx is done or the engine is closed. It
// reconnects on its own after recoverable failures once backoff allows.
func (e *SyncEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.lifeCtx.Done():
			return ErrClosed
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *SyncEngine) tick(ctx context.Context) {
	reconnected := false
	if e.session.State() == StateDisconnected {
		if !e.session.CanAutoReconnect() {
			return
		}
		log.Debug().Str("profile", e.profile).Msg("Attempting automatic reconnect")
		if _, err := e.session.Connect(ctx); err != nil {
			return
		}
		reconnected = true
	}

	if !reconnected && !e.autoRefresh.Load() {
		return
	}

	if _, err := e.Poll(ctx); err != nil && !errors.Is(err, ErrStaleResult) && !isContextError(err) {
		log.Debug().Err(err).Str("profile", e.profile).Msg("Scheduled sync failed")
	}
}

// RequestSync schedules an out-of-band poll. Calls are debounced to avoid
// excessive syncs during bursts of commands.
func (e *SyncEngine) RequestSync() {
	if e.closed.Load() {
		return
	}

	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if e.debounceTimer != nil {
		// Best-effort stop; if the timer has already fired, we let its callback run once.
		e.debounceTimer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(e.opts.DebounceDelay, func() {
		e.runDebouncedSync(timer)
	})
	e.debounceTimer = timer
}

func (e *SyncEngine) runDebouncedSync(timer *time.Timer) {
	defer e.clearDebouncedSyncTimer(timer)

	// Small delay to let qBittorrent process the command
	select {
	case <-time.After(defaultDebounceJitter):
	case <-e.lifeCtx.Done():
		return
	}

	if _, err := e.Poll(e.lifeCtx); err != nil && !errors.Is(err, ErrStaleResult) && !errors.Is(err, ErrClosed) && !isContextError(err) {
		log.Warn().Err(err).Str("profile", e.profile).Msg("Failed to sync after modification")
	}
}

func (e *SyncEngine) clearDebouncedSyncTimer(timer *time.Timer) {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceTimer == timer {
		e.debounceTimer = nil
	}
}

// ApplyOptimistic marks hashes with the provisional effect of action and
// publishes the new view. Hashes unknown to the server are skipped.
func (e *SyncEngine) ApplyOptimistic(commandID string, action Action, hashes []string) int {
	if e.closed.Load() {
		return 0
	}

	now := time.Now()
	pending := pendingFor(action)
	changes := ChangeSet{Profile: e.profile, Optimistic: true, Updated: map[string][]string{}}

	e.mu.Lock()
	for _, hash := range hashes {
		current, ok := e.server.Torrents[hash]
		if !ok {
			continue
		}
		update := &OptimisticTorrentUpdate{
			CommandID:     commandID,
			Action:        action,
			OriginalState: current.State,
			Pending:       pending,
			UpdatedAt:     now,
		}
		fieldsChanged := []string{"pending"}
		if state := getTargetState(action, current.Progress); state != "" && state != current.State {
			update.State = state
			fieldsChanged = append(fieldsChanged, "state")
		}
		e.overlay.Set(hash, update, ttlcache.DefaultTTL)
		changes.Updated[hash] = fieldsChanged
	}
	applied := len(changes.Updated)
	if applied > 0 {
		e.view = e.buildViewLocked()
	}
	changes.Rid = e.cursor
	view := e.view
	e.mu.Unlock()

	if applied > 0 {
		changes.sortAll()
		log.Debug().Str("profile", e.profile).Str("action", string(action)).Int("hashCount", applied).Msg("Applied optimistic update")
		e.notifyUpdate(Update{Snapshot: view, Changes: changes})
	}
	return applied
}

// AddPlaceholder shows a torrent that is being added before the server lists it.
func (e *SyncEngine) AddPlaceholder(commandID string, t Torrent) {
	if e.closed.Load() || t.Hash == "" {
		return
	}

	e.mu.Lock()
	if _, exists := e.server.Torrents[t.Hash]; exists {
		e.mu.Unlock()
		return
	}
	placeholder := t
	placeholder.Pending = PendingAdding
	e.overlay.Set(t.Hash, &OptimisticTorrentUpdate{
		CommandID:   commandID,
		Action:      ActionAdd,
		Pending:     PendingAdding,
		UpdatedAt:   time.Now(),
		Placeholder: &placeholder,
	}, ttlcache.DefaultTTL)
	e.view = e.buildViewLocked()
	view := e.view
	rid := e.cursor
	e.mu.Unlock()

	e.notifyUpdate(Update{Snapshot: view, Changes: ChangeSet{Profile: e.profile, Rid: rid, Optimistic: true, Added: []string{t.Hash}}})
}

// ConfirmOptimistic marks the command's effects as accepted by the server.
// They stay visible until a merge shows the real state.
func (e *SyncEngine) ConfirmOptimistic(commandID string) {
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, hash := range e.overlay.GetKeys() {
		if update, ok := e.overlay.Get(hash); ok && update.CommandID == commandID {
			update.Confirmed = true
		}
	}
}

// RevertOptimistic drops the command's effects immediately.
func (e *SyncEngine) RevertOptimistic(commandID string) {
	if e.closed.Load() {
		return
	}
	changes := ChangeSet{Profile: e.profile, Optimistic: true, Updated: map[string][]string{}}

	e.mu.Lock()
	for _, hash := range e.overlay.GetKeys() {
		update, ok := e.overlay.Get(hash)
		if !ok || update.CommandID != commandID {
			continue
		}
		e.overlay.Delete(hash)
		if update.Placeholder != nil {
			changes.Removed = append(changes.Removed, hash)
			continue
		}
		changes.Updated[hash] = []string{"pending", "state"}
	}
	reverted := len(changes.Updated)+len(changes.Removed) > 0
	if reverted {
		e.view = e.buildViewLocked()
	}
	changes.Rid = e.cursor
	view := e.view
	e.mu.Unlock()

	if !reverted || e.closed.Load() {
		return
	}
	if len(changes.Updated) == 0 {
		changes.Updated = nil
	}
	changes.sortAll()
	log.Debug().Str("profile", e.profile).Str("command", commandID).Msg("Reverted optimistic update")
	e.notifyUpdate(Update{Snapshot: view, Changes: changes})
}

func (e *SyncEngine) reconcileOverlayLocked(changes ChangeSet) {
	for _, hash := range e.overlay.GetKeys() {
		update, ok := e.overlay.Get(hash)
		if !ok || !update.Confirmed {
			continue
		}
		current, present := e.server.Torrents[hash]
		if changes.FullUpdate || shouldClearOptimisticUpdate(current, present, update, changes.Touches(hash)) {
			e.overlay.Delete(hash)
		}
	}
}

func (e *SyncEngine) buildViewLocked() *Snapshot {
	keys := e.overlay.GetKeys()
	if len(keys) == 0 {
		return e.server
	}

	view := *e.server
	view.Torrents = maps.Clone(e.server.Torrents)
	for _, hash := range keys {
		update, ok := e.overlay.Get(hash)
		if !ok {
			continue
		}
		t, exists := view.Torrents[hash]
		if !exists {
			if update.Placeholder == nil {
				continue
			}
			t = *update.Placeholder
		}
		if update.State != "" {
			t.State = update.State
		}
		t.Pending = update.Pending
		view.Torrents[hash] = t
	}
	return &view
}

// Close stops polling and discards results of requests still in flight.
func (e *SyncEngine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.epoch.Add(1)
	e.cancel()

	e.debounceMu.Lock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.debounceMu.Unlock()

	e.mu.Lock()
	e.overlay.Close()
	e.mu.Unlock()
}
