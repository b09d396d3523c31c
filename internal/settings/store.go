// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package settings persists connection profiles and client preferences in a
// JSON file that stays readable by older single-connection releases.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qremote/internal/models"
)

const (
	DefaultRefreshSeconds = 5
	MinRefreshSeconds     = 3
	DefaultFilter         = "all"
)

var ErrProfileNotFound = errors.New("profile not found")

// Settings is the persisted client state. Profiles keep the user's order.
type Settings struct {
	Profiles       []models.Profile
	ActiveProfile  string
	RefreshSeconds int
	AutoRefresh    bool
	DefaultFilter  string
	ConfirmDelete  bool

	// Configured is false when nothing was read from disk.
	Configured bool
}

// Defaults returns the settings of a fresh install.
func Defaults() *Settings {
	return &Settings{
		Profiles:       []models.Profile{models.DefaultProfile()},
		ActiveProfile:  models.DefaultProfileName,
		RefreshSeconds: DefaultRefreshSeconds,
		AutoRefresh:    true,
		DefaultFilter:  DefaultFilter,
		ConfirmDelete:  true,
	}
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.Profiles = make([]models.Profile, len(s.Profiles))
	for i, p := range s.Profiles {
		c.Profiles[i] = p.Clone()
	}
	return &c
}

// Profile looks a profile up by exact name.
func (s *Settings) Profile(name string) (models.Profile, bool) {
	if i := s.indexOf(name); i >= 0 {
		return s.Profiles[i], true
	}
	return models.Profile{}, false
}

// Active returns the active profile, if any.
func (s *Settings) Active() (models.Profile, bool) {
	if s.ActiveProfile == "" {
		return models.Profile{}, false
	}
	return s.Profile(s.ActiveProfile)
}

// Names returns the profile names in order.
func (s *Settings) Names() []string {
	names := make([]string, 0, len(s.Profiles))
	for _, p := range s.Profiles {
		names = append(names, p.Name)
	}
	return names
}

// Upsert replaces the named profile in place or appends it.
func (s *Settings) Upsert(p models.Profile) {
	if i := s.indexOf(p.Name); i >= 0 {
		s.Profiles[i] = p
		return
	}
	s.Profiles = append(s.Profiles, p)
}

// Remove deletes a profile and clears the active name when it pointed at it.
func (s *Settings) Remove(name string) error {
	i := s.indexOf(name)
	if i < 0 {
		return errors.Wrap(ErrProfileNotFound, name)
	}
	s.Profiles = slices.Delete(s.Profiles, i, i+1)
	if s.ActiveProfile == name {
		s.ActiveProfile = ""
	}
	return nil
}

// Rename changes a profile's name keeping its position.
func (s *Settings) Rename(oldName, newName string) error {
	i := s.indexOf(oldName)
	if i < 0 {
		return errors.Wrap(ErrProfileNotFound, oldName)
	}
	s.Profiles[i].Name = newName
	if s.ActiveProfile == oldName {
		s.ActiveProfile = newName
	}
	return nil
}

// Move puts the named profile at index to, clamped to the list bounds.
func (s *Settings) Move(name string, to int) error {
	i := s.indexOf(name)
	if i < 0 {
		return errors.Wrap(ErrProfileNotFound, name)
	}
	to = max(0, min(to, len(s.Profiles)-1))
	p := s.Profiles[i]
	s.Profiles = slices.Delete(s.Profiles, i, i+1)
	s.Profiles = slices.Insert(s.Profiles, to, p)
	return nil
}

// UniqueName returns base, or "base (n)" for the first free n.
func (s *Settings) UniqueName(base string) string {
	if s.indexOf(base) < 0 {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		if s.indexOf(candidate) < 0 {
			return candidate
		}
	}
}

// RefreshInterval returns the poll period, never below the floor.
func (s *Settings) RefreshInterval() time.Duration {
	return time.Duration(max(s.RefreshSeconds, MinRefreshSeconds)) * time.Second
}

func (s *Settings) indexOf(name string) int {
	return slices.IndexFunc(s.Profiles, func(p models.Profile) bool { return p.Name == name })
}

// fileFormat mirrors the on-disk layout. Profiles stay raw so their key order survives.
type fileFormat struct {
	Connection     *models.Profile `json:"connection,omitempty"`
	RefreshSeconds *int            `json:"refresh_seconds,omitempty"`
	AutoRefresh    *bool           `json:"auto_refresh,omitempty"`
	DefaultFilter  *string         `json:"default_filter,omitempty"`
	ConfirmDelete  *bool           `json:"confirm_delete,omitempty"`
	Profiles       json.RawMessage `json:"profiles,omitempty"`
	ActiveProfile  string          `json:"active_profile"`
}

// FileStore reads and writes Settings at a fixed path.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load reads the settings file. A missing or unreadable file yields defaults,
// never an error, so a broken file cannot lock the user out.
func (s *FileStore) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", s.path).Msg("No settings file found, using defaults")
			return Defaults(), nil
		}
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to read settings file, using defaults")
		return Defaults(), nil
	}

	settings, err := decode(data)
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Settings file is corrupt, using defaults")
		return Defaults(), nil
	}
	return settings, nil
}

// Save writes the settings atomically.
func (s *FileStore) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encode(settings)
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create settings directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write settings")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "chmod settings")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync settings")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close settings")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Wrap(err, "rename settings")
	}

	success = true
	settings.Configured = true
	return nil
}

func decode(data []byte) (*Settings, error) {
	var raw fileFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	settings := Defaults()
	settings.Configured = true
	if raw.RefreshSeconds != nil {
		settings.RefreshSeconds = *raw.RefreshSeconds
	}
	if raw.AutoRefresh != nil {
		settings.AutoRefresh = *raw.AutoRefresh
	}
	if raw.DefaultFilter != nil {
		settings.DefaultFilter = *raw.DefaultFilter
	}
	if raw.ConfirmDelete != nil {
		settings.ConfirmDelete = *raw.ConfirmDelete
	}

	profiles, err := decodeOrderedProfiles(raw.Profiles)
	if err != nil {
		return nil, errors.Wrap(err, "decode profiles")
	}

	if len(profiles) == 0 {
		legacy := models.DefaultProfile()
		if raw.Connection != nil {
			legacy = *raw.Connection
		}
		legacy.Name = models.DefaultProfileName
		settings.Profiles = []models.Profile{legacy}
		settings.ActiveProfile = models.DefaultProfileName
		return settings, nil
	}

	settings.Profiles = profiles
	settings.ActiveProfile = raw.ActiveProfile
	if settings.ActiveProfile == "" {
		settings.ActiveProfile = models.DefaultProfileName
	}
	if settings.indexOf(settings.ActiveProfile) < 0 {
		settings.ActiveProfile = profiles[0].Name
	}
	return settings, nil
}

// decodeOrderedProfiles walks the profiles object token by token because a Go
// map would lose the order the user arranged them in. Entries that fail to
// decode are skipped.
func decodeOrderedProfiles(raw json.RawMessage) ([]models.Profile, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		// Not an object, treat like an empty profile set
		return nil, nil
	}

	var profiles []models.Profile
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected profile key %v", tok)
		}

		var body json.RawMessage
		if err := dec.Decode(&body); err != nil {
			return nil, err
		}

		p := models.Profile{Name: name}
		if err := json.Unmarshal(body, &p); err != nil {
			log.Warn().Err(err).Str("profile", name).Msg("Skipping unreadable profile")
			continue
		}
		if _, dup := seen[name]; dup {
			log.Warn().Str("profile", name).Msg("Skipping duplicate profile")
			continue
		}
		seen[name] = struct{}{}
		profiles = append(profiles, p)
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, err
	}
	return profiles, nil
}

func encode(settings *Settings) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range settings.Profiles {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(body)
	}
	buf.WriteByte('}')

	refresh := settings.RefreshSeconds
	autoRefresh := settings.AutoRefresh
	filter := settings.DefaultFilter
	confirm := settings.ConfirmDelete
	out := fileFormat{
		RefreshSeconds: &refresh,
		AutoRefresh:    &autoRefresh,
		DefaultFilter:  &filter,
		ConfirmDelete:  &confirm,
		Profiles:       buf.Bytes(),
		ActiveProfile:  settings.ActiveProfile,
	}
	if active, ok := settings.Active(); ok {
		out.Connection = &active
	}

	return json.MarshalIndent(out, "", "  ")
}
