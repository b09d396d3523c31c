// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"bytes"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

const magnetPrefix = "magnet:?"

// SourceKind is how a torrent is handed to the server.
type SourceKind int

const (
	SourceMagnet SourceKind = iota
	SourceURL
	SourceFile
)

func (k SourceKind) String() string {
	switch k {
	case SourceMagnet:
		return "magnet"
	case SourceURL:
		return "url"
	case SourceFile:
		return "file"
	default:
		return "unknown"
	}
}

// AddSource is a validated torrent source. InfoHash and Name are filled when
// the source carries them, which lets the view show a placeholder.
type AddSource struct {
	Kind     SourceKind
	URI      string
	Path     string
	Content  []byte
	InfoHash string
	Name     string
	Size     int64
}

// NormalizeOpenItem turns a command line argument into a magnet, URL or
// absolute file path. Empty input yields "".
func NormalizeOpenItem(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, magnetPrefix) || isRemoteURL(text) {
		return text
	}

	if strings.HasPrefix(text, "file://") {
		return filePathFromURL(text)
	}

	text = strings.Trim(text, `"`)
	text = expandHome(text)
	if !filepath.IsAbs(text) {
		if abs, err := filepath.Abs(text); err == nil {
			text = abs
		}
	}
	return filepath.Clean(text)
}

func filePathFromURL(text string) string {
	u, err := url.Parse(text)
	if err != nil {
		return strings.TrimPrefix(text, "file://")
	}

	if runtime.GOOS == "windows" {
		combined := strings.TrimLeft(u.Host+u.Path, `/\`)
		return filepath.FromSlash(combined)
	}

	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = "/" + u.Host + p
	}
	return filepath.Clean(p)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

func isRemoteURL(text string) bool {
	lower := strings.ToLower(text)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "ftp://")
}

// ParseAddSource validates a magnet link, remote URL or .torrent file. File
// sources are read and decoded so malformed files never reach the server.
func ParseAddSource(raw string) (AddSource, error) {
	item := NormalizeOpenItem(raw)
	if item == "" {
		return AddSource{}, errors.Wrap(ErrInvalidCommand, "empty torrent source")
	}

	switch {
	case strings.HasPrefix(item, magnetPrefix):
		return parseMagnet(item)
	case isRemoteURL(item):
		u, err := url.Parse(item)
		if err != nil || u.Host == "" {
			return AddSource{}, errors.Wrapf(ErrInvalidCommand, "malformed url %q", item)
		}
		return AddSource{Kind: SourceURL, URI: u.String()}, nil
	default:
		return loadTorrentFile(item)
	}
}

func parseMagnet(uri string) (AddSource, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err == nil {
		return AddSource{
			Kind:     SourceMagnet,
			URI:      uri,
			InfoHash: m.InfoHash.HexString(),
			Name:     m.DisplayName,
		}, nil
	}

	// v2-only magnets carry no btih hash
	if m2, v2Err := metainfo.ParseMagnetV2Uri(uri); v2Err == nil && m2.V2InfoHash.Ok {
		return AddSource{Kind: SourceMagnet, URI: uri, Name: m2.DisplayName}, nil
	}

	return AddSource{}, errors.Wrapf(ErrInvalidCommand, "malformed magnet link: %v", err)
}

func loadTorrentFile(path string) (AddSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return AddSource{}, errors.Wrapf(ErrInvalidCommand, "torrent file %q: %v", path, err)
	}
	if info.IsDir() {
		return AddSource{}, errors.Wrapf(ErrInvalidCommand, "torrent file %q is a directory", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return AddSource{}, errors.Wrapf(ErrInvalidCommand, "read torrent file %q: %v", path, err)
	}

	mi, err := metainfo.Load(bytes.NewReader(content))
	if err != nil {
		return AddSource{}, errors.Wrapf(ErrInvalidCommand, "decode torrent file %q: %v", path, err)
	}

	source := AddSource{
		Kind:     SourceFile,
		Path:     path,
		Content:  content,
		InfoHash: mi.HashInfoBytes().HexString(),
	}
	if torrentInfo, err := mi.UnmarshalInfo(); err == nil {
		source.Name = torrentInfo.BestName()
		source.Size = torrentInfo.TotalLength()
	}
	if source.Name == "" {
		source.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return source, nil
}
