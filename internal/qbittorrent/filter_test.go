// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filterSnapshot() *Snapshot {
	return &Snapshot{
		Profile: "home",
		Torrents: map[string]Torrent{
			hashA: {Hash: hashA, Name: "Ubuntu.24.04.Desktop.amd64", State: qbt.TorrentStateDownloading, Progress: 0.4, Category: "linux", Tags: "iso, lts", Ratio: 0.1},
			hashB: {Hash: hashB, Name: "Big.Buck.Bunny.2008.1080p", State: qbt.TorrentStateStalledUp, Progress: 1, Category: "movies", Ratio: 3.2, Tracker: "https://tracker.example.org:443/announce"},
			hashC: {Hash: hashC, Name: "Debian 12 netinst", State: qbt.TorrentStatePausedDl, Progress: 0.1, Category: "linux"},
		},
		Trackers: map[string][]string{
			"udp://open.tracker.example.net:1337/announce": {hashA, hashC},
		},
	}
}

func names(torrents []Torrent) []string {
	out := make([]string, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, t.Name)
	}
	return out
}

func TestFilterTorrents_Status(t *testing.T) {
	tests := []struct {
		status string
		want   []string
	}{
		{status: "", want: []string{"Big.Buck.Bunny.2008.1080p", "Debian 12 netinst", "Ubuntu.24.04.Desktop.amd64"}},
		{status: "all", want: []string{"Big.Buck.Bunny.2008.1080p", "Debian 12 netinst", "Ubuntu.24.04.Desktop.amd64"}},
		{status: "downloading", want: []string{"Ubuntu.24.04.Desktop.amd64"}},
		{status: "seeding", want: []string{"Big.Buck.Bunny.2008.1080p"}},
		{status: "completed", want: []string{"Big.Buck.Bunny.2008.1080p"}},
		{status: "paused", want: []string{"Debian 12 netinst"}},
		{status: "resumed", want: []string{"Big.Buck.Bunny.2008.1080p", "Ubuntu.24.04.Desktop.amd64"}},
		{status: "stalled", want: []string{"Big.Buck.Bunny.2008.1080p"}},
		{status: "errored", want: []string{}},
		{status: "pausedDL", want: []string{"Debian 12 netinst"}},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, err := FilterTorrents(filterSnapshot(), FilterOptions{Status: tt.status})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestFilterChoicesAreAllRecognized(t *testing.T) {
	for _, choice := range FilterChoices {
		_, err := FilterTorrents(filterSnapshot(), FilterOptions{Status: choice})
		assert.NoError(t, err, choice)
	}
}

func TestFilterTorrents_Tracker(t *testing.T) {
	got, err := FilterTorrents(filterSnapshot(), FilterOptions{Tracker: "Open.Tracker.Example.NET"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Debian 12 netinst", "Ubuntu.24.04.Desktop.amd64"}, names(got))

	got, err = FilterTorrents(filterSnapshot(), FilterOptions{Tracker: "tracker.example.org"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Big.Buck.Bunny.2008.1080p"}, names(got))

	assert.Equal(t, []string{"open.tracker.example.net", "tracker.example.org"}, TrackerHosts(filterSnapshot()))
}

func TestFilterTorrents_Search(t *testing.T) {
	tests := []struct {
		name   string
		search string
		want   []string
	}{
		{name: "substring", search: "bunny", want: []string{"Big.Buck.Bunny.2008.1080p"}},
		{name: "separators normalized", search: "ubuntu 24 04", want: []string{"Ubuntu.24.04.Desktop.amd64"}},
		{name: "words across fields", search: "debian linux", want: []string{"Debian 12 netinst"}},
		{name: "category", search: "movies", want: []string{"Big.Buck.Bunny.2008.1080p"}},
		{name: "hash prefix", search: hashC[:8], want: []string{"Debian 12 netinst"}},
		{name: "glob", search: "*1080p", want: []string{"Big.Buck.Bunny.2008.1080p"}},
		{name: "glob on tags", search: "lt?", want: []string{"Ubuntu.24.04.Desktop.amd64"}},
		{name: "no match", search: "windows", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FilterTorrents(filterSnapshot(), FilterOptions{Search: tt.search})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestFilterTorrents_Expr(t *testing.T) {
	got, err := FilterTorrents(filterSnapshot(), FilterOptions{Expr: `Category == "linux" && Progress < 0.2`})
	require.NoError(t, err)
	assert.Equal(t, []string{"Debian 12 netinst"}, names(got))

	got, err = FilterTorrents(filterSnapshot(), FilterOptions{Expr: `Ratio > 2`, Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Big.Buck.Bunny.2008.1080p"}, names(got))

	_, err = FilterTorrents(filterSnapshot(), FilterOptions{Expr: `Ratio +`})
	require.Error(t, err)

	_, err = FilterTorrents(filterSnapshot(), FilterOptions{Expr: `Name`})
	require.Error(t, err, "expressions must be boolean")
}

func TestFilterTorrents_NilSnapshot(t *testing.T) {
	got, err := FilterTorrents(nil, FilterOptions{Status: "all"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExtractDomainFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "https://Tracker.Example.org/announce?passkey=abc", want: "tracker.example.org"},
		{in: "udp://open.example.net:6969/announce", want: "open.example.net"},
		{in: "tracker.example.com/announce", want: "tracker.example.com"},
		{in: "http://[2001:db8::1]:8080/announce", want: "2001:db8::1"},
		{in: "10.0.0.5:6969", want: "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDomainFromURL(tt.in))
		})
	}
}

func TestStateInFilter(t *testing.T) {
	assert.True(t, stateInFilter(qbt.TorrentStatePausedUp, qbt.TorrentFilterPaused))
	assert.True(t, stateInFilter(qbt.TorrentStateCheckingResumeData, qbt.TorrentFilterChecking))
	assert.False(t, stateInFilter(qbt.TorrentStateDownloading, qbt.TorrentFilterPaused))
}
