// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"encoding/json"
	"maps"

	"github.com/pkg/errors"
)

// fields is one record as the server sent it. Values stay raw so a shallow
// merge keeps every key, including ones this client does not model.
type fields map[string]json.RawMessage

// mainData is a decoded sync/maindata response. Absent keys decode to nil.
type mainData struct {
	Rid               int64               `json:"rid"`
	FullUpdate        bool                `json:"full_update"`
	Torrents          map[string]fields   `json:"torrents"`
	TorrentsRemoved   []string            `json:"torrents_removed"`
	Categories        map[string]fields   `json:"categories"`
	CategoriesRemoved []string            `json:"categories_removed"`
	Tags              []string            `json:"tags"`
	TagsRemoved       []string            `json:"tags_removed"`
	ServerState       fields              `json:"server_state"`
	Trackers          map[string][]string `json:"trackers"`
	TrackersRemoved   []string            `json:"trackers_removed"`
}

func decodeMainData(body []byte) (*mainData, error) {
	var data mainData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, "decode sync/maindata")
	}
	if data.Rid < 0 {
		return nil, errors.Errorf("decode sync/maindata: negative rid %d", data.Rid)
	}
	return &data, nil
}

// mergeFields overlays update onto prev and returns the result plus the keys
// whose bytes changed. prev is never modified.
func mergeFields(prev, update fields) (fields, []string) {
	var changed []string
	for k, v := range update {
		old, ok := prev[k]
		if !ok || !rawEqual(old, v) {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return prev, nil
	}

	next := make(fields, len(prev)+len(changed))
	maps.Copy(next, prev)
	for _, k := range changed {
		next[k] = update[k]
	}
	return next, changed
}

// diffFields lists keys that differ between two complete records.
func diffFields(prev, next fields) []string {
	var changed []string
	for k, v := range next {
		old, ok := prev[k]
		if !ok || !rawEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

func rawEqual(a, b json.RawMessage) bool {
	return string(a) == string(b)
}

// decodeInto unmarshals a field map into a typed struct.
func decodeInto(f fields, dst any) error {
	if len(f) == 0 {
		return nil
	}
	buf, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}
