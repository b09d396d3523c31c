// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// mirror is the raw server state plus its typed projection. A mirror is never
// modified after applyMainData returns it, so snapshots may share its maps.
type mirror struct {
	rid         int64
	torrents    map[string]fields
	categories  map[string]fields
	tags        map[string]struct{}
	trackers    map[string][]string
	serverState fields

	typedTorrents   map[string]Torrent
	typedCategories map[string]Category
	typedServer     ServerState
	sortedTags      []string
}

func newMirror() *mirror {
	return &mirror{
		torrents:        map[string]fields{},
		categories:      map[string]fields{},
		tags:            map[string]struct{}{},
		trackers:        map[string][]string{},
		serverState:     fields{},
		typedTorrents:   map[string]Torrent{},
		typedCategories: map[string]Category{},
		sortedTags:      []string{},
	}
}

// applyMainData merges one response into prev and returns the new mirror and
// what changed. prev is left untouched, so a failed merge keeps the old state.
func applyMainData(prev *mirror, data *mainData) (*mirror, ChangeSet, error) {
	if prev == nil {
		prev = newMirror()
	}

	cs := ChangeSet{Rid: data.Rid, FullUpdate: data.FullUpdate, Updated: map[string][]string{}}
	next := &mirror{rid: data.Rid}

	if data.FullUpdate {
		replaceAll(prev, next, data, &cs)
	} else {
		mergePartial(prev, next, data, &cs)
	}

	if err := next.project(prev, &cs); err != nil {
		return nil, ChangeSet{}, err
	}

	if len(cs.Updated) == 0 {
		cs.Updated = nil
	}
	cs.sortAll()
	return next, cs, nil
}

func replaceAll(prev, next *mirror, data *mainData, cs *ChangeSet) {
	next.torrents = make(map[string]fields, len(data.Torrents))
	for hash, f := range data.Torrents {
		next.torrents[hash] = f
		old, ok := prev.torrents[hash]
		if !ok {
			cs.Added = append(cs.Added, hash)
			continue
		}
		if changed := diffFields(old, f); len(changed) > 0 {
			cs.Updated[hash] = changed
		}
	}
	for hash := range prev.torrents {
		if _, ok := next.torrents[hash]; !ok {
			cs.Removed = append(cs.Removed, hash)
		}
	}

	next.categories = make(map[string]fields, len(data.Categories))
	for name, f := range data.Categories {
		next.categories[name] = f
		old, ok := prev.categories[name]
		switch {
		case !ok:
			cs.CategoriesAdded = append(cs.CategoriesAdded, name)
		case len(diffFields(old, f)) > 0:
			cs.CategoriesUpdated = append(cs.CategoriesUpdated, name)
		}
	}
	for name := range prev.categories {
		if _, ok := next.categories[name]; !ok {
			cs.CategoriesRemoved = append(cs.CategoriesRemoved, name)
		}
	}

	next.tags = make(map[string]struct{}, len(data.Tags))
	for _, tag := range data.Tags {
		next.tags[tag] = struct{}{}
		if _, ok := prev.tags[tag]; !ok {
			cs.TagsAdded = append(cs.TagsAdded, tag)
		}
	}
	for tag := range prev.tags {
		if _, ok := next.tags[tag]; !ok {
			cs.TagsRemoved = append(cs.TagsRemoved, tag)
		}
	}

	next.trackers = make(map[string][]string, len(data.Trackers))
	for u, hashes := range data.Trackers {
		next.trackers[u] = hashes
		if old, ok := prev.trackers[u]; !ok || !slices.Equal(old, hashes) {
			cs.TrackersChanged = append(cs.TrackersChanged, u)
		}
	}
	for u := range prev.trackers {
		if _, ok := next.trackers[u]; !ok {
			cs.TrackersChanged = append(cs.TrackersChanged, u)
		}
	}

	next.serverState = data.ServerState
	if next.serverState == nil {
		next.serverState = fields{}
	}
	cs.ServerStateFields = diffFields(prev.serverState, next.serverState)
}

func mergePartial(prev, next *mirror, data *mainData, cs *ChangeSet) {
	next.torrents = maps.Clone(prev.torrents)
	for hash, update := range data.Torrents {
		old, ok := next.torrents[hash]
		if !ok {
			next.torrents[hash] = update
			cs.Added = append(cs.Added, hash)
			continue
		}
		merged, changed := mergeFields(old, update)
		if len(changed) > 0 {
			next.torrents[hash] = merged
			cs.Updated[hash] = changed
		}
	}
	for _, hash := range data.TorrentsRemoved {
		if _, ok := next.torrents[hash]; !ok {
			continue
		}
		delete(next.torrents, hash)
		delete(cs.Updated, hash)
		if i := slices.Index(cs.Added, hash); i >= 0 {
			// Added and removed in one response: the caller never saw it
			cs.Added = slices.Delete(cs.Added, i, i+1)
			continue
		}
		cs.Removed = append(cs.Removed, hash)
	}

	next.categories = maps.Clone(prev.categories)
	for name, update := range data.Categories {
		old, ok := next.categories[name]
		if !ok {
			next.categories[name] = update
			cs.CategoriesAdded = append(cs.CategoriesAdded, name)
			continue
		}
		if merged, changed := mergeFields(old, update); len(changed) > 0 {
			next.categories[name] = merged
			cs.CategoriesUpdated = append(cs.CategoriesUpdated, name)
		}
	}
	for _, name := range data.CategoriesRemoved {
		if _, ok := next.categories[name]; ok {
			delete(next.categories, name)
			cs.CategoriesRemoved = append(cs.CategoriesRemoved, name)
		}
	}

	next.tags = maps.Clone(prev.tags)
	for _, tag := range data.Tags {
		if _, ok := next.tags[tag]; !ok {
			next.tags[tag] = struct{}{}
			cs.TagsAdded = append(cs.TagsAdded, tag)
		}
	}
	for _, tag := range data.TagsRemoved {
		if _, ok := next.tags[tag]; ok {
			delete(next.tags, tag)
			cs.TagsRemoved = append(cs.TagsRemoved, tag)
		}
	}

	next.trackers = maps.Clone(prev.trackers)
	for u, hashes := range data.Trackers {
		if old, ok := next.trackers[u]; !ok || !slices.Equal(old, hashes) {
			next.trackers[u] = hashes
			cs.TrackersChanged = append(cs.TrackersChanged, u)
		}
	}
	for _, u := range data.TrackersRemoved {
		if _, ok := next.trackers[u]; ok {
			delete(next.trackers, u)
			cs.TrackersChanged = append(cs.TrackersChanged, u)
		}
	}

	merged, changed := mergeFields(prev.serverState, data.ServerState)
	next.serverState = merged
	cs.ServerStateFields = changed
}

// project rebuilds the typed views, decoding only records that changed.
func (m *mirror) project(prev *mirror, cs *ChangeSet) error {
	if cs.FullUpdate {
		m.typedTorrents = make(map[string]Torrent, len(m.torrents))
		for hash, f := range m.torrents {
			if t, ok := prev.typedTorrents[hash]; ok && cs.Updated[hash] == nil {
				m.typedTorrents[hash] = t
				continue
			}
			t, err := decodeTorrent(hash, f)
			if err != nil {
				return err
			}
			m.typedTorrents[hash] = t
		}
	} else {
		m.typedTorrents = maps.Clone(prev.typedTorrents)
		for _, hash := range cs.Added {
			t, err := decodeTorrent(hash, m.torrents[hash])
			if err != nil {
				return err
			}
			m.typedTorrents[hash] = t
		}
		for hash := range cs.Updated {
			t, err := decodeTorrent(hash, m.torrents[hash])
			if err != nil {
				return err
			}
			m.typedTorrents[hash] = t
		}
		for _, hash := range cs.Removed {
			delete(m.typedTorrents, hash)
		}
	}

	if len(cs.CategoriesAdded)+len(cs.CategoriesUpdated)+len(cs.CategoriesRemoved) == 0 {
		m.typedCategories = prev.typedCategories
	} else {
		m.typedCategories = make(map[string]Category, len(m.categories))
		for name, f := range m.categories {
			var c Category
			if err := decodeInto(f, &c); err != nil {
				return errors.Wrapf(err, "decode category %q", name)
			}
			if c.Name == "" {
				c.Name = name
			}
			m.typedCategories[name] = c
		}
	}

	if len(cs.ServerStateFields) == 0 {
		m.typedServer = prev.typedServer
	} else if err := decodeInto(m.serverState, &m.typedServer); err != nil {
		return errors.Wrap(err, "decode server_state")
	}

	if len(cs.TagsAdded)+len(cs.TagsRemoved) == 0 {
		m.sortedTags = prev.sortedTags
	} else {
		m.sortedTags = make([]string, 0, len(m.tags))
		for tag := range m.tags {
			m.sortedTags = append(m.sortedTags, tag)
		}
		sort.Strings(m.sortedTags)
	}
	return nil
}

func decodeTorrent(hash string, f fields) (Torrent, error) {
	var t Torrent
	if err := decodeInto(f, &t); err != nil {
		return Torrent{}, errors.Wrapf(err, "decode torrent %s", hash)
	}
	t.Hash = hash
	return t, nil
}

// snapshot exposes the mirror as an immutable Snapshot sharing its maps.
func (m *mirror) snapshot(profile string, at time.Time) *Snapshot {
	return &Snapshot{
		Profile:     profile,
		Rid:         m.rid,
		Torrents:    m.typedTorrents,
		Categories:  m.typedCategories,
		Tags:        m.sortedTags,
		Trackers:    m.trackers,
		ServerState: m.typedServer,
		UpdatedAt:   at,
	}
}
