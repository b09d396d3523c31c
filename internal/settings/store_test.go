// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qremote/internal/models"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))

	s, err := store.Load()
	require.NoError(t, err)

	assert.False(t, s.Configured)
	assert.Equal(t, []string{models.DefaultProfileName}, s.Names())
	assert.Equal(t, models.DefaultProfileName, s.ActiveProfile)
	assert.Equal(t, DefaultRefreshSeconds, s.RefreshSeconds)
	assert.True(t, s.AutoRefresh)
	assert.True(t, s.ConfirmDelete)
}

func TestLoadCorruptFileReturnsDefaults(t *testing.T) {
	store := NewFileStore(writeFile(t, "{not json"))

	s, err := store.Load()
	require.NoError(t, err)
	assert.False(t, s.Configured)
	assert.Equal(t, []string{models.DefaultProfileName}, s.Names())
}

func TestLoadLegacyConnectionOnly(t *testing.T) {
	store := NewFileStore(writeFile(t, `{
		"connection": {"host": "http://seedbox:8080", "username": "me", "password": "pw", "verify_ssl": false, "timeout": 30},
		"refresh_seconds": 10,
		"default_filter": "seeding"
	}`))

	s, err := store.Load()
	require.NoError(t, err)

	require.Len(t, s.Profiles, 1)
	p := s.Profiles[0]
	assert.Equal(t, models.DefaultProfileName, p.Name)
	assert.Equal(t, "http://seedbox:8080", p.Host)
	assert.Equal(t, "me", p.Username)
	assert.False(t, p.VerifySSL)
	assert.Equal(t, 30, p.Timeout)
	assert.Equal(t, models.DefaultProfileName, s.ActiveProfile)
	assert.Equal(t, 10, s.RefreshSeconds)
	assert.Equal(t, "seeding", s.DefaultFilter)
}

func TestLoadPreservesProfileOrder(t *testing.T) {
	store := NewFileStore(writeFile(t, `{
		"profiles": {
			"Zeta": {"host": "http://z"},
			"Alpha": {"host": "http://a"},
			"Mid": {"host": "http://m"}
		},
		"active_profile": "Alpha"
	}`))

	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Zeta", "Alpha", "Mid"}, s.Names())
	assert.Equal(t, "Alpha", s.ActiveProfile)
}

func TestLoadUnknownActiveFallsBackToFirst(t *testing.T) {
	store := NewFileStore(writeFile(t, `{
		"profiles": {"B": {"host": "http://b"}, "A": {"host": "http://a"}},
		"active_profile": "Gone"
	}`))

	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "B", s.ActiveProfile)
}

func TestLoadSkipsUnreadableProfile(t *testing.T) {
	store := NewFileStore(writeFile(t, `{
		"profiles": {"Bad": {"timeout": "soon"}, "Good": {"host": "http://g"}},
		"active_profile": "Good"
	}`))

	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Good"}, s.Names())
}

func TestSaveRoundTripAndConnectionMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "profiles.json")
	store := NewFileStore(path)

	s := Defaults()
	s.Profiles = []models.Profile{
		{Name: "Home", Host: "http://home:8080", Username: "u", Password: "p", VerifySSL: true, Timeout: 15},
		{Name: "Box", Host: "https://box", Username: "b", Password: "q", Timeout: 5},
	}
	s.ActiveProfile = "Box"
	s.RefreshSeconds = 7

	require.NoError(t, store.Save(s))
	assert.True(t, s.Configured)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	var onDisk map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))

	var mirror map[string]any
	require.NoError(t, json.Unmarshal(onDisk["connection"], &mirror))
	assert.Equal(t, "https://box", mirror["host"])

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Home", "Box"}, loaded.Names())
	assert.Equal(t, "Box", loaded.ActiveProfile)
	assert.Equal(t, 7, loaded.RefreshSeconds)
	box, ok := loaded.Profile("Box")
	require.True(t, ok)
	assert.Equal(t, s.Profiles[1], box)
}

func TestSaveKeepsUnknownProfileKeys(t *testing.T) {
	path := writeFile(t, `{
		"profiles": {
			"home": {
				"host": "http://home:8080",
				"username": "admin",
				"proxy": "socks5://127.0.0.1:1080",
				"label_color": "#00ff00"
			}
		},
		"active_profile": "home"
	}`)
	store := NewFileStore(path)

	s, err := store.Load()
	require.NoError(t, err)
	home, ok := s.Profile("home")
	require.True(t, ok)
	assert.Equal(t, "#00ff00", home.Options["label_color"])

	require.NoError(t, store.Save(s))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk struct {
		Profiles   map[string]map[string]any `json:"profiles"`
		Connection map[string]any            `json:"connection"`
	}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "socks5://127.0.0.1:1080", onDisk.Profiles["home"]["proxy"])
	assert.Equal(t, "#00ff00", onDisk.Profiles["home"]["label_color"])
	assert.Equal(t, "socks5://127.0.0.1:1080", onDisk.Connection["proxy"])

	reloaded, err := store.Load()
	require.NoError(t, err)
	again, ok := reloaded.Profile("home")
	require.True(t, ok)
	assert.Equal(t, home.Options, again.Options)
}

func TestCloneDoesNotShareOptions(t *testing.T) {
	s := Defaults()
	s.Profiles[0].Options = map[string]string{"proxy": "a"}

	c := s.Clone()
	c.Profiles[0].Options["proxy"] = "b"
	assert.Equal(t, "a", s.Profiles[0].Options["proxy"])
}

func TestSaveWithoutActiveOmitsMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	store := NewFileStore(path)

	s := Defaults()
	require.NoError(t, s.Remove(models.DefaultProfileName))
	s.Upsert(models.Profile{Name: "Other", Host: "http://o"})
	assert.Empty(t, s.ActiveProfile)

	require.NoError(t, store.Save(s))

	var onDisk map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	_, hasMirror := onDisk["connection"]
	assert.False(t, hasMirror)
}

func TestSettingsMutations(t *testing.T) {
	s := Defaults()
	s.Upsert(models.Profile{Name: "A", Host: "http://a"})
	s.Upsert(models.Profile{Name: "B", Host: "http://b"})
	assert.Equal(t, []string{"Default", "A", "B"}, s.Names())

	s.Upsert(models.Profile{Name: "A", Host: "http://a2"})
	a, _ := s.Profile("A")
	assert.Equal(t, "http://a2", a.Host)
	assert.Len(t, s.Profiles, 3)

	require.NoError(t, s.Rename("Default", "Main"))
	assert.Equal(t, "Main", s.ActiveProfile)
	assert.Equal(t, []string{"Main", "A", "B"}, s.Names())

	require.NoError(t, s.Move("B", 0))
	assert.Equal(t, []string{"B", "Main", "A"}, s.Names())
	require.NoError(t, s.Move("B", 99))
	assert.Equal(t, []string{"Main", "A", "B"}, s.Names())

	assert.ErrorIs(t, s.Remove("missing"), ErrProfileNotFound)
	assert.ErrorIs(t, s.Rename("missing", "x"), ErrProfileNotFound)

	assert.Equal(t, "C", s.UniqueName("C"))
	assert.Equal(t, "A (2)", s.UniqueName("A"))
	s.Upsert(models.Profile{Name: "A (2)", Host: "http://a"})
	assert.Equal(t, "A (3)", s.UniqueName("A"))

	clone := s.Clone()
	clone.Profiles[0].Host = "http://changed"
	assert.NotEqual(t, "http://changed", s.Profiles[0].Host)
}

func TestRefreshIntervalFloor(t *testing.T) {
	s := Defaults()
	s.RefreshSeconds = 1
	assert.Equal(t, 3*time.Second, s.RefreshInterval())
	s.RefreshSeconds = 12
	assert.Equal(t, 12*time.Second, s.RefreshInterval())
}
