// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qremote/internal/models"
	"github.com/autobrr/qremote/internal/settings"
)

const (
	teardownTimeout    = 10 * time.Second
	pendingAddTimeout  = 30 * time.Second
	defaultEventBuffer = 64
)

// SettingsStore persists profiles and the active selection.
type SettingsStore interface {
	Load() (*settings.Settings, error)
	Save(*settings.Settings) error
}

type CoordinatorOptions struct {
	ConnectAttempts uint
	// FallbackTimeout applies to profiles without their own timeout.
	FallbackTimeout time.Duration
	Recorder        Recorder
}

// EventType tags what an Event carries.
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventCommand  EventType = "command"
	EventStatus   EventType = "status"
)

// Event is delivered to subscribers. Exactly one of Update, Result or Status is set.
type Event struct {
	Type      EventType
	RuntimeID string
	Profile   string
	Update    *Update
	Result    *CommandResult
	Status    *EngineStatus
}

// profileRuntime is everything bound to one connection of the active profile.
type profileRuntime struct {
	id         string
	profile    models.Profile
	session    *SessionManager
	engine     *SyncEngine
	dispatcher *Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// Coordinator owns the profile set and the single live runtime. Switching
// profiles tears the old runtime down completely before the new one starts.
type Coordinator struct {
	store    SettingsStore
	opts     CoordinatorOptions
	failures *FailureTracker

	// lifecycleMu serializes switch, teardown and close
	lifecycleMu sync.Mutex

	mu       sync.RWMutex
	settings *settings.Settings
	current  *profileRuntime
	pending  []string
	closed   bool

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

func NewCoordinator(store SettingsStore, opts CoordinatorOptions) (*Coordinator, error) {
	loaded, err := store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	return &Coordinator{
		store:    store,
		opts:     opts,
		failures: NewFailureTracker(),
		settings: loaded,
		subs:     make(map[int]chan Event),
	}, nil
}

// Settings returns a copy of the current settings.
func (c *Coordinator) Settings() *settings.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Clone()
}

// Profiles returns the profiles in user order.
func (c *Coordinator) Profiles() []models.Profile {
	return c.Settings().Profiles
}

func (c *Coordinator) ActiveProfile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.ActiveProfile
}

// UniqueName returns base or the first free "base (n)" variant.
func (c *Coordinator) UniqueName(base string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.UniqueName(strings.TrimSpace(base))
}

// Snapshot returns the active runtime's view, or nil when idle.
func (c *Coordinator) Snapshot() *Snapshot {
	if rt := c.runtime(); rt != nil {
		return rt.engine.Snapshot()
	}
	return nil
}

// Status returns the active runtime's status. Idle reports Disconnected.
func (c *Coordinator) Status() EngineStatus {
	if rt := c.runtime(); rt != nil {
		status := rt.engine.Status()
		status.Profile = c.ActiveProfile()
		return status
	}
	return EngineStatus{Profile: c.ActiveProfile(), State: StateDisconnected}
}

func (c *Coordinator) runtime() *profileRuntime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Start connects the persisted active profile, if there is one.
func (c *Coordinator) Start(ctx context.Context) error {
	active := c.ActiveProfile()
	if active == "" {
		log.Info().Msg("No active profile, staying idle")
		return nil
	}
	return c.SwitchTo(ctx, active)
}

// SwitchTo makes name the active profile: the old runtime is stopped, its
// snapshot dropped, and a fresh session connects and performs a full sync.
// The logout of the old session runs in the background.
func (c *Coordinator) SwitchTo(ctx context.Context, name string) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	profile, ok := c.settings.Profile(name)
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownProfile, "%q", name)
	}
	old := c.current
	c.current = nil
	c.settings.ActiveProfile = name
	persisted := c.settings.Clone()
	c.mu.Unlock()

	c.stopRuntime(old)

	if err := c.store.Save(persisted); err != nil {
		log.Error().Err(err).Str("profile", name).Msg("Failed to persist active profile")
	}

	rt, err := c.newRuntime(profile)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.current = rt
	c.mu.Unlock()

	log.Info().Str("profile", name).Str("runtime", rt.id).Msg("Switching qBittorrent profile")

	go func() {
		defer close(rt.done)
		if err := rt.engine.Run(rt.ctx); err != nil && !errors.Is(err, ErrClosed) && !isContextError(err) {
			log.Debug().Err(err).Str("profile", name).Msg("Sync loop stopped")
		}
	}()

	if _, err := rt.session.Connect(ctx); err != nil {
		// The sync loop keeps retrying recoverable failures after backoff
		return err
	}

	if _, err := rt.engine.Poll(ctx); err != nil && !errors.Is(err, ErrStaleResult) {
		return err
	}
	return nil
}

func (c *Coordinator) newRuntime(profile models.Profile) (*profileRuntime, error) {
	session, err := NewSessionManager(profile, SessionOptions{
		ConnectAttempts: c.opts.ConnectAttempts,
		FallbackTimeout: c.opts.FallbackTimeout,
		Failures:        c.failures,
	})
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	interval := c.settings.RefreshInterval()
	autoRefresh := c.settings.AutoRefresh
	c.mu.RUnlock()

	engine := NewSyncEngine(session, EngineOptions{
		Interval:    interval,
		AutoRefresh: autoRefresh,
		Recorder:    c.opts.Recorder,
	})
	dispatcher := NewDispatcher(session, engine, c.opts.Recorder)

	ctx, cancel := context.WithCancel(context.Background())
	rt := &profileRuntime{
		id:         uuid.NewString(),
		profile:    profile,
		session:    session,
		engine:     engine,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	engine.OnUpdate(func(update Update) {
		c.emit(rt, Event{Type: EventSnapshot, Update: &update})
	})
	engine.OnStatus(func(status EngineStatus) {
		c.emit(rt, Event{Type: EventStatus, Status: &status})
	})
	dispatcher.OnResult(func(result CommandResult) {
		c.emit(rt, Event{Type: EventCommand, Result: &result})
	})
	session.OnStateChange(func(change StateChange) {
		if change.State == StateConnected {
			go c.flushPending(rt)
		}
	})

	return rt, nil
}

// stopRuntime cancels rt and discards anything it still has in flight.
func (c *Coordinator) stopRuntime(rt *profileRuntime) {
	if rt == nil {
		return
	}
	rt.cancel()
	rt.engine.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		rt.session.Disconnect(ctx)
		log.Debug().Str("profile", rt.profile.Name).Str("runtime", rt.id).Msg("Previous qBittorrent session closed")
	}()
}

// Disconnect stops the active runtime and leaves the coordinator idle. The
// active profile stays selected for the next Reconnect.
func (c *Coordinator) Disconnect(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	rt := c.current
	c.current = nil
	c.mu.Unlock()

	if rt == nil {
		return
	}
	rt.cancel()
	rt.engine.Close()
	rt.session.Disconnect(ctx)

	c.broadcast(Event{Type: EventStatus, Profile: rt.profile.Name, Status: &EngineStatus{Profile: rt.profile.Name, State: StateDisconnected}})
	log.Info().Str("profile", rt.profile.Name).Msg("Disconnected from qBittorrent")
}

// Reconnect drops the current session and connects the active profile again.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	active := c.ActiveProfile()
	if active == "" {
		return errors.Wrap(ErrUnknownProfile, "no active profile")
	}
	return c.SwitchTo(ctx, active)
}

// AddProfile stores a new profile. Taken names fail with ErrProfileExists;
// callers wanting automatic suffixes use UniqueName first.
func (c *Coordinator) AddProfile(p models.Profile) (models.Profile, error) {
	if err := p.Validate(); err != nil {
		return models.Profile{}, err
	}

	c.mu.Lock()
	if _, exists := c.settings.Profile(p.Name); exists {
		c.mu.Unlock()
		return models.Profile{}, errors.Wrapf(ErrProfileExists, "%q", p.Name)
	}
	c.settings.Upsert(p)
	if c.settings.ActiveProfile == "" && len(c.settings.Profiles) == 1 {
		c.settings.ActiveProfile = p.Name
	}
	persisted := c.settings.Clone()
	c.mu.Unlock()

	if err := c.store.Save(persisted); err != nil {
		return models.Profile{}, errors.Wrap(err, "save settings")
	}
	log.Info().Str("profile", p.Name).Msg("Added qBittorrent profile")
	return p, nil
}

// UpdateProfile replaces the named profile. Redacted secrets keep their stored
// value. Changing the connection of the active profile reconnects it.
func (c *Coordinator) UpdateProfile(ctx context.Context, name string, p models.Profile) error {
	c.mu.RLock()
	stored, ok := c.settings.Profile(name)
	c.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownProfile, "%q", name)
	}

	if p.Name == "" {
		p.Name = name
	}
	p.MergeSecrets(stored)
	p.InheritOptions(stored)
	if err := p.Validate(); err != nil {
		return err
	}

	if p.Name != name {
		if err := c.RenameProfile(name, p.Name); err != nil {
			return err
		}
		name = p.Name
	}

	c.mu.Lock()
	c.settings.Upsert(p)
	isActive := c.settings.ActiveProfile == name
	persisted := c.settings.Clone()
	rt := c.current
	c.mu.Unlock()

	if err := c.store.Save(persisted); err != nil {
		return errors.Wrap(err, "save settings")
	}

	if isActive && rt != nil && !rt.profile.ConnectionEqual(p) {
		log.Info().Str("profile", name).Msg("Active profile changed, reconnecting")
		return c.SwitchTo(ctx, name)
	}
	return nil
}

// RemoveProfile deletes a profile. Removing the active one disconnects first
// and leaves the coordinator idle.
func (c *Coordinator) RemoveProfile(ctx context.Context, name string) error {
	c.mu.RLock()
	_, ok := c.settings.Profile(name)
	isActive := c.settings.ActiveProfile == name
	c.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownProfile, "%q", name)
	}

	if isActive {
		c.Disconnect(ctx)
	}

	c.mu.Lock()
	if err := c.settings.Remove(name); err != nil {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownProfile, "%q", name)
	}
	persisted := c.settings.Clone()
	c.mu.Unlock()

	c.failures.Reset(name)

	if err := c.store.Save(persisted); err != nil {
		return errors.Wrap(err, "save settings")
	}
	log.Info().Str("profile", name).Msg("Removed qBittorrent profile")
	return nil
}

// RenameProfile changes a profile's name in place. The active session keeps
// running since only the label changed.
func (c *Coordinator) RenameProfile(oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return errors.Wrap(models.ErrInvalidProfile, "profile name is required")
	}
	if newName == oldName {
		return nil
	}

	c.mu.Lock()
	if _, ok := c.settings.Profile(oldName); !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownProfile, "%q", oldName)
	}
	if _, taken := c.settings.Profile(newName); taken {
		c.mu.Unlock()
		return errors.Wrapf(ErrProfileExists, "%q", newName)
	}
	if err := c.settings.Rename(oldName, newName); err != nil {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownProfile, "%q", oldName)
	}
	persisted := c.settings.Clone()
	c.mu.Unlock()

	c.failures.Rename(oldName, newName)

	if err := c.store.Save(persisted); err != nil {
		return errors.Wrap(err, "save settings")
	}
	log.Info().Str("from", oldName).Str("to", newName).Msg("Renamed qBittorrent profile")
	return nil
}

// MoveProfile reorders the profile list.
func (c *Coordinator) MoveProfile(name string, to int) error {
	c.mu.Lock()
	if err := c.settings.Move(name, to); err != nil {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownProfile, "%q", name)
	}
	persisted := c.settings.Clone()
	c.mu.Unlock()

	return errors.Wrap(c.store.Save(persisted), "save settings")
}

// UpdatePreferences applies and persists refresh, filter and delete
// confirmation preferences. The sync interval takes effect on the next switch.
func (c *Coordinator) UpdatePreferences(fn func(*settings.Settings)) error {
	c.mu.Lock()
	fn(c.settings)
	c.settings.RefreshSeconds = max(c.settings.RefreshSeconds, settings.MinRefreshSeconds)
	autoRefresh := c.settings.AutoRefresh
	persisted := c.settings.Clone()
	rt := c.current
	c.mu.Unlock()

	if rt != nil {
		rt.engine.SetAutoRefresh(autoRefresh)
	}
	return errors.Wrap(c.store.Save(persisted), "save settings")
}

// Issue runs cmd on the active runtime.
func (c *Coordinator) Issue(ctx context.Context, cmd Command) (CommandResult, error) {
	rt := c.runtime()
	if rt == nil {
		err := ErrNotConnected
		if _, _, validateErr := validateCommand(cmd); validateErr != nil {
			err = validateErr
		}
		return CommandResult{Action: cmd.Action, Status: CommandFailed, Kind: KindOf(err), Err: err}, err
	}
	return rt.dispatcher.Issue(ctx, cmd)
}

// Enqueue queues torrent sources to add once the active profile is connected.
func (c *Coordinator) Enqueue(items ...string) {
	c.mu.Lock()
	for _, item := range items {
		if normalized := NormalizeOpenItem(item); normalized != "" {
			c.pending = append(c.pending, normalized)
		}
	}
	rt := c.current
	c.mu.Unlock()

	if rt != nil && rt.session.State() == StateConnected {
		go c.flushPending(rt)
	}
}

// Pending returns the queued sources not yet sent.
func (c *Coordinator) Pending() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.pending...)
}

func (c *Coordinator) flushPending(rt *profileRuntime) {
	c.mu.Lock()
	if c.current != rt || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	items := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, item := range items {
		ctx, cancel := context.WithTimeout(rt.ctx, pendingAddTimeout)
		_, err := rt.dispatcher.Issue(ctx, Command{Action: ActionAdd, Source: item})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("profile", rt.profile.Name).Str("source", item).Msg("Failed to add queued torrent")
		}
	}
}

// Subscribe returns a channel of events from the active runtime. A full
// buffer drops events rather than stalling sync. Call the returned func to
// unsubscribe.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.subsMu.Unlock()
		})
	}
}

// emit forwards an event from rt, dropping it if rt is no longer current.
func (c *Coordinator) emit(rt *profileRuntime, ev Event) {
	c.mu.RLock()
	current := c.current == rt
	label := c.settings.ActiveProfile
	c.mu.RUnlock()
	if !current {
		return
	}

	ev.RuntimeID = rt.id
	ev.Profile = label
	c.broadcast(ev)
}

func (c *Coordinator) broadcast(ev Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			log.Trace().Str("type", string(ev.Type)).Msg("Dropping event for slow subscriber")
		}
	}
}

// Close stops the active runtime and closes every subscription.
func (c *Coordinator) Close(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rt := c.current
	c.current = nil
	c.mu.Unlock()

	if rt != nil {
		rt.cancel()
		rt.engine.Close()
		rt.session.Disconnect(ctx)
		<-rt.done
	}

	c.subsMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subsMu.Unlock()

	log.Info().Msg("Profile coordinator closed")
	return nil
}
