// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustApply(t *testing.T, prev *mirror, body string) (*mirror, ChangeSet) {
	t.Helper()
	data, err := decodeMainData([]byte(body))
	require.NoError(t, err)
	next, cs, err := applyMainData(prev, data)
	require.NoError(t, err)
	return next, cs
}

const fullBody = `{
	"rid": 1,
	"full_update": true,
	"torrents": {
		"` + hashA + `": {"name": "Alpha", "state": "downloading", "progress": 0.5, "size": 100, "category": "tv", "upspeed": 0},
		"` + hashB + `": {"name": "Beta", "state": "uploading", "progress": 1, "size": 200, "category": "", "upspeed": 10}
	},
	"categories": {"tv": {"name": "tv", "savePath": "/data/tv"}},
	"tags": ["hd", "archive"],
	"trackers": {"https://tracker.example.org/announce": ["` + hashA + `"]},
	"server_state": {"connection_status": "connected", "dl_info_speed": 10, "up_info_speed": 20}
}`

func TestApplyMainData_FullUpdate(t *testing.T) {
	m, cs := mustApply(t, newMirror(), fullBody)

	assert.True(t, cs.FullUpdate)
	assert.Equal(t, int64(1), cs.Rid)
	assert.Equal(t, []string{hashA, hashB}, cs.Added)
	assert.Empty(t, cs.Updated)
	assert.Empty(t, cs.Removed)
	assert.Equal(t, []string{"tv"}, cs.CategoriesAdded)
	assert.Equal(t, []string{"archive", "hd"}, cs.TagsAdded)
	assert.Equal(t, []string{"https://tracker.example.org/announce"}, cs.TrackersChanged)
	assert.Contains(t, cs.ServerStateFields, "connection_status")

	snap := m.snapshot("home", time.Now())
	require.Len(t, snap.Torrents, 2)
	alpha := snap.Torrents[hashA]
	assert.Equal(t, hashA, alpha.Hash)
	assert.Equal(t, "Alpha", alpha.Name)
	assert.Equal(t, qbt.TorrentStateDownloading, alpha.State)
	assert.InDelta(t, 0.5, alpha.Progress, 1e-9)
	assert.Equal(t, "/data/tv", snap.Categories["tv"].SavePath)
	assert.Equal(t, []string{"archive", "hd"}, snap.Tags)
	assert.Equal(t, "connected", snap.ServerState.ConnectionStatus)
	assert.Equal(t, int64(20), snap.ServerState.UpInfoSpeed)
	assert.Equal(t, []string{"https://tracker.example.org/announce"}, snap.TrackersFor(hashA))
	assert.Empty(t, snap.TrackersFor(hashB))
}

func TestApplyMainData_PartialMergeKeepsOtherFields(t *testing.T) {
	m, _ := mustApply(t, newMirror(), fullBody)

	next, cs := mustApply(t, m, `{"rid": 2, "torrents": {"`+hashA+`": {"progress": 0.75}}, "server_state": {"dl_info_speed": 99}}`)

	assert.False(t, cs.FullUpdate)
	assert.Empty(t, cs.Added)
	assert.Empty(t, cs.Removed)
	assert.Equal(t, map[string][]string{hashA: {"progress"}}, cs.Updated)
	assert.Equal(t, []string{"dl_info_speed"}, cs.ServerStateFields)

	snap := next.snapshot("home", time.Now())
	alpha := snap.Torrents[hashA]
	assert.InDelta(t, 0.75, alpha.Progress, 1e-9)
	assert.Equal(t, "Alpha", alpha.Name, "fields absent from a partial update are kept")
	assert.Equal(t, "tv", alpha.Category)
	assert.Equal(t, int64(99), snap.ServerState.DlInfoSpeed)
	assert.Equal(t, "connected", snap.ServerState.ConnectionStatus)

	// prev is untouched
	assert.InDelta(t, 0.5, m.snapshot("home", time.Now()).Torrents[hashA].Progress, 1e-9)
}

func TestApplyMainData_Idempotent(t *testing.T) {
	m, _ := mustApply(t, newMirror(), fullBody)

	partial := `{"rid": 2, "torrents": {"` + hashA + `": {"progress": 0.75, "state": "stalledDL"}}, "tags": ["new"]}`
	once, _ := mustApply(t, m, partial)
	twice, cs := mustApply(t, once, partial)

	assert.True(t, cs.Empty(), "applying the same partial twice changes nothing")
	assert.Equal(t, once.snapshot("p", time.Time{}).Torrents, twice.snapshot("p", time.Time{}).Torrents)
	assert.Equal(t, once.snapshot("p", time.Time{}).Tags, twice.snapshot("p", time.Time{}).Tags)

	again, cs := mustApply(t, m, fullBody)
	assert.True(t, cs.FullUpdate)
	assert.True(t, cs.Empty(), "a full update equal to the mirror reports no changes")
	assert.Equal(t, m.snapshot("p", time.Time{}).Torrents, again.snapshot("p", time.Time{}).Torrents)
}

func TestApplyMainData_Removals(t *testing.T) {
	m, _ := mustApply(t, newMirror(), fullBody)

	next, cs := mustApply(t, m, `{
		"rid": 2,
		"torrents_removed": ["`+hashB+`", "`+hashC+`"],
		"categories_removed": ["tv", "missing"],
		"tags_removed": ["hd"],
		"trackers_removed": ["https://tracker.example.org/announce"]
	}`)

	assert.Equal(t, []string{hashB}, cs.Removed, "unknown hashes are ignored")
	assert.Equal(t, []string{"tv"}, cs.CategoriesRemoved)
	assert.Equal(t, []string{"hd"}, cs.TagsRemoved)
	assert.Equal(t, []string{"https://tracker.example.org/announce"}, cs.TrackersChanged)

	snap := next.snapshot("home", time.Now())
	assert.Len(t, snap.Torrents, 1)
	assert.NotContains(t, snap.Torrents, hashB)
	assert.Empty(t, snap.Categories)
	assert.Equal(t, []string{"archive"}, snap.Tags)
	assert.Empty(t, snap.Trackers)
}

func TestApplyMainData_AddedAndRemovedInSameResponse(t *testing.T) {
	m, _ := mustApply(t, newMirror(), fullBody)

	next, cs := mustApply(t, m, `{
		"rid": 2,
		"torrents": {"`+hashC+`": {"name": "Gamma", "state": "metaDL"}},
		"torrents_removed": ["`+hashC+`"]
	}`)

	assert.Empty(t, cs.Added)
	assert.Empty(t, cs.Removed)
	assert.NotContains(t, next.snapshot("p", time.Now()).Torrents, hashC)
}

func TestApplyMainData_FullUpdateReplacesEverything(t *testing.T) {
	m, _ := mustApply(t, newMirror(), fullBody)

	next, cs := mustApply(t, m, `{
		"rid": 5,
		"full_update": true,
		"torrents": {
			"`+hashA+`": {"name": "Alpha", "state": "uploading", "progress": 1, "size": 100, "category": "tv", "upspeed": 0},
			"`+hashC+`": {"name": "Gamma", "state": "pausedDL", "progress": 0}
		},
		"tags": ["hd"]
	}`)

	assert.Equal(t, []string{hashC}, cs.Added)
	assert.Equal(t, []string{hashB}, cs.Removed)
	assert.ElementsMatch(t, []string{"progress", "state"}, cs.Updated[hashA])
	assert.Equal(t, []string{"tv"}, cs.CategoriesRemoved)
	assert.Equal(t, []string{"archive"}, cs.TagsRemoved)
	assert.Equal(t, []string{"https://tracker.example.org/announce"}, cs.TrackersChanged)

	snap := next.snapshot("p", time.Now())
	assert.Len(t, snap.Torrents, 2)
	assert.Equal(t, qbt.TorrentStateUploading, snap.Torrents[hashA].State)
	assert.Empty(t, snap.Categories)
	assert.Empty(t, snap.Trackers)
}

func TestApplyMainData_DecodeFailureKeepsPrevious(t *testing.T) {
	m, _ := mustApply(t, newMirror(), fullBody)

	data, err := decodeMainData([]byte(`{"rid": 2, "torrents": {"` + hashA + `": {"progress": "not a number"}}}`))
	require.NoError(t, err)

	next, _, err := applyMainData(m, data)
	require.Error(t, err)
	assert.Nil(t, next)
	assert.InDelta(t, 0.5, m.snapshot("p", time.Now()).Torrents[hashA].Progress, 1e-9)
}

func TestDecodeMainData_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"malformed json": `{"rid": `,
		"negative rid":   `{"rid": -1}`,
		"wrong type":     `{"rid": "one"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeMainData([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestApplyMainData_UnknownFieldsSurvive(t *testing.T) {
	m, _ := mustApply(t, newMirror(), `{"rid":1,"full_update":true,"torrents":{"`+hashA+`":{"name":"Alpha","seq_dl":false}}}`)
	next, cs := mustApply(t, m, `{"rid":2,"torrents":{"`+hashA+`":{"seq_dl":true}}}`)

	assert.Equal(t, []string{"seq_dl"}, cs.Updated[hashA])
	assert.Equal(t, `true`, string(next.torrents[hashA]["seq_dl"]))
	assert.Equal(t, `"Alpha"`, string(next.torrents[hashA]["name"]))
}
