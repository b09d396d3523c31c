// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FilterChoices are the status filters offered to users, in display order.
var FilterChoices = []string{
	"all",
	"downloading",
	"seeding",
	"completed",
	"paused",
	"resumed",
	"stalled",
	"errored",
}

var (
	urlCache  = ttlcache.New(ttlcache.Options[string, string]{}.SetDefaultTTL(5 * time.Minute))
	exprCache = ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(5 * time.Minute))
)

// FilterOptions narrows a snapshot for display. Empty fields match everything.
type FilterOptions struct {
	Status  string
	Tracker string
	Search  string
	// Expr is a boolean expression evaluated against each Torrent, e.g. `Ratio > 2 && Category == "tv"`.
	Expr string
}

var torrentStateCategories = map[qbt.TorrentFilter][]qbt.TorrentState{
	qbt.TorrentFilterDownloading:        {qbt.TorrentStateDownloading, qbt.TorrentStateStalledDl, qbt.TorrentStateMetaDl, qbt.TorrentStateQueuedDl, qbt.TorrentStateAllocating, qbt.TorrentStateCheckingDl, qbt.TorrentStateForcedDl},
	qbt.TorrentFilterUploading:          {qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStateForcedUp},
	qbt.TorrentFilter("seeding"):        {qbt.TorrentStateUploading, qbt.TorrentStateStalledUp, qbt.TorrentStateQueuedUp, qbt.TorrentStateCheckingUp, qbt.TorrentStateForcedUp},
	qbt.TorrentFilterPaused:             {qbt.TorrentStatePausedDl, qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp},
	qbt.TorrentFilterActive:             {qbt.TorrentStateDownloading, qbt.TorrentStateUploading, qbt.TorrentStateForcedDl, qbt.TorrentStateForcedUp},
	qbt.TorrentFilterStalled:            {qbt.TorrentStateStalledDl, qbt.TorrentStateStalledUp},
	qbt.TorrentFilterChecking:           {qbt.TorrentStateCheckingDl, qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingResumeData},
	qbt.TorrentFilterError:              {qbt.TorrentStateError, qbt.TorrentStateMissingFiles},
	qbt.TorrentFilterMoving:             {qbt.TorrentStateMoving},
	qbt.TorrentFilterStalledUploading:   {qbt.TorrentStateStalledUp},
	qbt.TorrentFilterStalledDownloading: {qbt.TorrentStateStalledDl},
	qbt.TorrentFilterStopped:            {qbt.TorrentStateStoppedDl, qbt.TorrentStateStoppedUp},
}

func stateInFilter(state qbt.TorrentState, filter qbt.TorrentFilter) bool {
	return slices.Contains(torrentStateCategories[filter], state)
}

// matchTorrentStatus checks if a torrent matches a specific status filter
func matchTorrentStatus(torrent Torrent, status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))

	switch status {
	case "", string(qbt.TorrentFilterAll):
		return true
	case "error":
		status = string(qbt.TorrentFilterError)
	}

	switch qbt.TorrentFilter(status) {
	case qbt.TorrentFilterCompleted:
		return torrent.IsComplete()
	case qbt.TorrentFilterInactive:
		return !stateInFilter(torrent.State, qbt.TorrentFilterActive)
	case qbt.TorrentFilterRunning, qbt.TorrentFilterResumed:
		// Running/Resumed means "not paused and not stopped"
		return !stateInFilter(torrent.State, qbt.TorrentFilterPaused) && !stateInFilter(torrent.State, qbt.TorrentFilterStopped)
	case qbt.TorrentFilterStopped, qbt.TorrentFilterPaused:
		return stateInFilter(torrent.State, qbt.TorrentFilterPaused) || stateInFilter(torrent.State, qbt.TorrentFilterStopped)
	}

	if category, exists := torrentStateCategories[qbt.TorrentFilter(status)]; exists {
		return slices.Contains(category, torrent.State)
	}

	return strings.EqualFold(string(torrent.State), status)
}

// ExtractDomainFromURL returns the lowercased host of a tracker URL, or
// "Unknown" when none can be found.
func ExtractDomainFromURL(urlStr string) string {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return ""
	}

	if cachedDomain, found := urlCache.Get(urlStr); found {
		return cachedDomain
	}

	const unknown = "Unknown"
	domain := unknown

	if u, err := url.Parse(urlStr); err == nil {
		if hostname := u.Hostname(); hostname != "" {
			domain = hostname
		}
	}

	// Scheme-less trackers like "tracker.example.com/announce"
	if domain == unknown && !strings.Contains(urlStr, "://") {
		if u, err := url.Parse("//" + urlStr); err == nil {
			if hostname := u.Hostname(); hostname != "" {
				domain = hostname
			}
		}
	}

	if domain == unknown {
		candidate := urlStr
		if idx := strings.IndexAny(candidate, "/?#"); idx != -1 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "//"))

		if candidate != "" {
			if host, _, err := net.SplitHostPort(candidate); err == nil {
				domain = host
			} else if ip := net.ParseIP(candidate); ip != nil && strings.Contains(candidate, ":") {
				// IPv6 literal without brackets or port
				domain = candidate
			} else {
				if idx := strings.Index(candidate, ":"); idx != -1 {
					candidate = candidate[:idx]
				}
				if candidate != "" {
					domain = candidate
				}
			}
		}
	}

	if domain != unknown {
		domain = strings.ToLower(strings.Trim(domain, "[]"))
	}

	urlCache.Set(urlStr, domain, ttlcache.DefaultTTL)
	return domain
}

// trackerHostsByHash maps each torrent to the hosts of the trackers announcing it.
func trackerHostsByHash(s *Snapshot) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for trackerURL, hashes := range s.Trackers {
		host := ExtractDomainFromURL(trackerURL)
		if host == "" {
			continue
		}
		for _, hash := range hashes {
			set, ok := out[hash]
			if !ok {
				set = make(map[string]struct{})
				out[hash] = set
			}
			set[host] = struct{}{}
		}
	}
	for hash, t := range s.Torrents {
		if t.Tracker == "" {
			continue
		}
		host := ExtractDomainFromURL(t.Tracker)
		set, ok := out[hash]
		if !ok {
			set = make(map[string]struct{})
			out[hash] = set
		}
		set[host] = struct{}{}
	}
	return out
}

// TrackerHosts lists every tracker host in the snapshot, sorted.
func TrackerHosts(s *Snapshot) []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, hosts := range trackerHostsByHash(s) {
		for host := range hosts {
			seen[host] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func compileFilterExpr(src string) (*vm.Program, error) {
	if p, ok := exprCache.Get(src); ok {
		log.Trace().Str("expr", src).Msg("Using cached expression")
		return p, nil
	}

	program, err := expr.Compile(src, expr.Env(Torrent{}), expr.AsBool())
	if err != nil {
		return nil, errors.Wrap(err, "compile filter expression")
	}
	exprCache.Set(src, program, ttlcache.DefaultTTL)
	return program, nil
}

// FilterTorrents applies opts to the snapshot. Without a search term the result
// is ordered by name; with one, best matches come first.
func FilterTorrents(s *Snapshot, opts FilterOptions) ([]Torrent, error) {
	if s == nil {
		return nil, nil
	}

	var program *vm.Program
	if strings.TrimSpace(opts.Expr) != "" {
		p, err := compileFilterExpr(opts.Expr)
		if err != nil {
			return nil, err
		}
		program = p
	}

	var hostsByHash map[string]map[string]struct{}
	tracker := strings.ToLower(strings.TrimSpace(opts.Tracker))
	if tracker != "" {
		hostsByHash = trackerHostsByHash(s)
	}

	filtered := make([]Torrent, 0, len(s.Torrents))
	for _, torrent := range s.TorrentList() {
		if !matchTorrentStatus(torrent, opts.Status) {
			continue
		}
		if tracker != "" {
			if _, ok := hostsByHash[torrent.Hash][tracker]; !ok {
				continue
			}
		}
		if program != nil {
			result, err := expr.Run(program, torrent)
			if err != nil {
				log.Debug().Err(err).Str("hash", torrent.Hash).Msg("Failed to evaluate expression")
				continue
			}
			if ok, _ := result.(bool); !ok {
				continue
			}
		}
		filtered = append(filtered, torrent)
	}

	return filterTorrentsBySearch(filtered, opts.Search), nil
}

func normalizeForSearch(text string) string {
	// Replace common torrent separators with spaces
	replacers := []string{".", "_", "-", "[", "]", "(", ")", "{", "}"}
	normalized := strings.ToLower(text)
	for _, r := range replacers {
		normalized = strings.ReplaceAll(normalized, r, " ")
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// filterTorrentsBySearch filters torrents by search string with smart matching
func filterTorrentsBySearch(torrents []Torrent, search string) []Torrent {
	search = strings.TrimSpace(search)
	if search == "" {
		return torrents
	}

	if strings.ContainsAny(search, "*?[") {
		return filterTorrentsByGlob(torrents, search)
	}

	type torrentMatch struct {
		torrent Torrent
		score   int
	}

	var matches []torrentMatch
	searchLower := strings.ToLower(search)
	searchNormalized := normalizeForSearch(search)
	searchWords := strings.Fields(searchNormalized)

	for _, torrent := range torrents {
		// Exact substring match ranks first
		if strings.Contains(strings.ToLower(torrent.Name), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Category), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Tags), searchLower) ||
			strings.Contains(strings.ToLower(torrent.Hash), searchLower) ||
			strings.Contains(strings.ToLower(torrent.InfohashV2), searchLower) {
			matches = append(matches, torrentMatch{torrent: torrent, score: 0})
			continue
		}

		nameNormalized := normalizeForSearch(torrent.Name)
		categoryNormalized := normalizeForSearch(torrent.Category)
		tagsNormalized := normalizeForSearch(torrent.Tags)

		if strings.Contains(nameNormalized, searchNormalized) ||
			strings.Contains(categoryNormalized, searchNormalized) ||
			strings.Contains(tagsNormalized, searchNormalized) {
			matches = append(matches, torrentMatch{torrent: torrent, score: 1})
			continue
		}

		if len(searchWords) > 1 {
			allFields := fmt.Sprintf("%s %s %s", nameNormalized, categoryNormalized, tagsNormalized)
			allWordsFound := true
			for _, word := range searchWords {
				if !strings.Contains(allFields, word) {
					allWordsFound = false
					break
				}
			}
			if allWordsFound {
				matches = append(matches, torrentMatch{torrent: torrent, score: 2})
				continue
			}
		}

		// Fuzzy match only on the normalized name so random letters across fields do not match
		if fuzzy.MatchNormalizedFold(searchNormalized, nameNormalized) {
			score := fuzzy.RankMatchNormalizedFold(searchNormalized, nameNormalized)
			if score < 10 {
				matches = append(matches, torrentMatch{torrent: torrent, score: 3 + score})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score < matches[j].score
	})

	filtered := make([]Torrent, len(matches))
	for i, match := range matches {
		filtered[i] = match.torrent
	}

	log.Trace().
		Str("search", search).
		Int("totalTorrents", len(torrents)).
		Int("matchedTorrents", len(filtered)).
		Msg("Search completed")

	return filtered
}

// filterTorrentsByGlob filters torrents using glob pattern matching
func filterTorrentsByGlob(torrents []Torrent, pattern string) []Torrent {
	var filtered []Torrent
	patternLower := strings.ToLower(pattern)

	for _, torrent := range torrents {
		matched, err := filepath.Match(patternLower, strings.ToLower(torrent.Name))
		if err != nil {
			log.Debug().Str("pattern", pattern).Err(err).Msg("Invalid glob pattern")
			return nil
		}
		if matched {
			filtered = append(filtered, torrent)
			continue
		}

		if torrent.Category != "" {
			if matched, _ := filepath.Match(patternLower, strings.ToLower(torrent.Category)); matched {
				filtered = append(filtered, torrent)
				continue
			}
		}

		for _, tag := range torrent.TagList() {
			if matched, _ := filepath.Match(patternLower, strings.ToLower(tag)); matched {
				filtered = append(filtered, torrent)
				break
			}
		}
	}

	return filtered
}
