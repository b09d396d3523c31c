// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/cespare/xxhash/v2"
)

// PendingAction labels a torrent with a command that has not been reflected by the server yet.
type PendingAction string

const (
	PendingNone       PendingAction = ""
	PendingPausing    PendingAction = "pausing"
	PendingResuming   PendingAction = "resuming"
	PendingRechecking PendingAction = "rechecking"
	PendingDeleting   PendingAction = "deleting"
	PendingAdding     PendingAction = "adding"
	PendingReordering PendingAction = "reordering"
)

// Torrent is the typed view of one torrent record.
type Torrent struct {
	Hash          string           `json:"-"`
	Name          string           `json:"name"`
	State         qbt.TorrentState `json:"state"`
	Progress      float64          `json:"progress"`
	DlSpeed       int64            `json:"dlspeed"`
	UpSpeed       int64            `json:"upspeed"`
	Ratio         float64          `json:"ratio"`
	Size          int64            `json:"size"`
	TotalSize     int64            `json:"total_size"`
	AmountLeft    int64            `json:"amount_left"`
	Downloaded    int64            `json:"downloaded"`
	Uploaded      int64            `json:"uploaded"`
	SavePath      string           `json:"save_path"`
	Category      string           `json:"category"`
	Tags          string           `json:"tags"`
	Tracker       string           `json:"tracker"`
	TrackersCount int64            `json:"trackers_count"`
	NumSeeds      int64            `json:"num_seeds"`
	NumLeechs     int64            `json:"num_leechs"`
	ETA           int64            `json:"eta"`
	Priority      int64            `json:"priority"`
	AddedOn       int64            `json:"added_on"`
	CompletionOn  int64            `json:"completion_on"`
	InfohashV1    string           `json:"infohash_v1"`
	InfohashV2    string           `json:"infohash_v2"`

	// Pending is set only in the optimistic view.
	Pending PendingAction `json:"-"`
}

// TagList splits the comma separated tag string.
func (t Torrent) TagList() []string {
	if strings.TrimSpace(t.Tags) == "" {
		return nil
	}
	parts := strings.Split(t.Tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsComplete reports whether the payload is fully downloaded.
func (t Torrent) IsComplete() bool {
	return t.Progress >= 1.0
}

type Category struct {
	Name     string `json:"name"`
	SavePath string `json:"savePath"`
}

// ServerState holds global transfer statistics.
type ServerState struct {
	ConnectionStatus  string `json:"connection_status"`
	DlInfoSpeed       int64  `json:"dl_info_speed"`
	DlInfoData        int64  `json:"dl_info_data"`
	UpInfoSpeed       int64  `json:"up_info_speed"`
	UpInfoData        int64  `json:"up_info_data"`
	DlRateLimit       int64  `json:"dl_rate_limit"`
	UpRateLimit       int64  `json:"up_rate_limit"`
	DHTNodes          int64  `json:"dht_nodes"`
	FreeSpaceOnDisk   int64  `json:"free_space_on_disk"`
	AlltimeDl         int64  `json:"alltime_dl"`
	AlltimeUl         int64  `json:"alltime_ul"`
	Queueing          bool   `json:"queueing"`
	UseAltSpeedLimits bool   `json:"use_alt_speed_limits"`
	RefreshInterval   int64  `json:"refresh_interval"`
}

// Snapshot is an immutable copy of server state at one cursor. Callers must
// not modify its maps or slices.
type Snapshot struct {
	Profile     string
	Rid         int64
	Torrents    map[string]Torrent
	Categories  map[string]Category
	Tags        []string
	Trackers    map[string][]string
	ServerState ServerState
	UpdatedAt   time.Time
}

func emptySnapshot(profile string) *Snapshot {
	return &Snapshot{
		Profile:    profile,
		Torrents:   map[string]Torrent{},
		Categories: map[string]Category{},
		Tags:       []string{},
		Trackers:   map[string][]string{},
	}
}

// Torrent returns one torrent by hash.
func (s *Snapshot) Torrent(hash string) (Torrent, bool) {
	if s == nil {
		return Torrent{}, false
	}
	t, ok := s.Torrents[hash]
	return t, ok
}

// TorrentList returns torrents ordered by name, then hash.
func (s *Snapshot) TorrentList() []Torrent {
	if s == nil {
		return nil
	}
	out := make([]Torrent, 0, len(s.Torrents))
	for _, t := range s.Torrents {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// TrackersFor returns the tracker URLs announcing the given hash.
func (s *Snapshot) TrackersFor(hash string) []string {
	if s == nil {
		return nil
	}
	var urls []string
	for u, hashes := range s.Trackers {
		if slices.Contains(hashes, hash) {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls
}

// Fingerprint hashes the authoritative content. Two snapshots with the same
// fingerprint hold the same server data; view-only labels are ignored.
func (s *Snapshot) Fingerprint() uint64 {
	if s == nil {
		return 0
	}
	d := xxhash.New()
	write := func(v any) {
		b, _ := json.Marshal(v)
		_, _ = d.Write(b)
		_, _ = d.Write([]byte{0})
	}

	hashes := make([]string, 0, len(s.Torrents))
	for h := range s.Torrents {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		t := s.Torrents[h]
		t.Pending = PendingNone
		_, _ = d.WriteString(h)
		write(t)
	}

	names := make([]string, 0, len(s.Categories))
	for n := range s.Categories {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		_, _ = d.WriteString(n)
		write(s.Categories[n])
	}

	write(s.Tags)

	urls := make([]string, 0, len(s.Trackers))
	for u := range s.Trackers {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		hs := slices.Clone(s.Trackers[u])
		sort.Strings(hs)
		_, _ = d.WriteString(u)
		write(hs)
	}

	write(s.ServerState)
	return d.Sum64()
}

// ChangeSet describes what one merge or optimistic update changed.
type ChangeSet struct {
	Profile    string
	Rid        int64
	FullUpdate bool
	// Optimistic is set for overlay-only changes that did not come from the server.
	Optimistic bool

	Added   []string
	Updated map[string][]string
	Removed []string

	CategoriesAdded   []string
	CategoriesUpdated []string
	CategoriesRemoved []string
	TagsAdded         []string
	TagsRemoved       []string
	TrackersChanged   []string
	ServerStateFields []string
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 &&
		len(c.Updated) == 0 &&
		len(c.Removed) == 0 &&
		len(c.CategoriesAdded) == 0 &&
		len(c.CategoriesUpdated) == 0 &&
		len(c.CategoriesRemoved) == 0 &&
		len(c.TagsAdded) == 0 &&
		len(c.TagsRemoved) == 0 &&
		len(c.TrackersChanged) == 0 &&
		len(c.ServerStateFields) == 0
}

// Touches reports whether the change set covers the given torrent.
func (c ChangeSet) Touches(hash string) bool {
	if c.FullUpdate {
		return true
	}
	if _, ok := c.Updated[hash]; ok {
		return true
	}
	return slices.Contains(c.Added, hash) || slices.Contains(c.Removed, hash)
}

func (c *ChangeSet) sortAll() {
	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	for _, f := range c.Updated {
		sort.Strings(f)
	}
	sort.Strings(c.CategoriesAdded)
	sort.Strings(c.CategoriesUpdated)
	sort.Strings(c.CategoriesRemoved)
	sort.Strings(c.TagsAdded)
	sort.Strings(c.TagsRemoved)
	sort.Strings(c.TrackersChanged)
	sort.Strings(c.ServerStateFields)
}
