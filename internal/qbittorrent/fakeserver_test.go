// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autobrr/qremote/internal/models"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	hashC = "cccccccccccccccccccccccccccccccccccccccc"
)

type fakeCall struct {
	Path   string
	Form   url.Values
	Files  map[string][]byte
	Cookie string
}

// fakeQBT is an in-memory qBittorrent WebAPI good enough for session, sync and
// command tests.
type fakeQBT struct {
	srv *httptest.Server

	mu            sync.Mutex
	username      string
	password      string
	webAPIVersion string
	banned        bool
	sessions      map[string]bool
	nextSID       int
	logins        int
	logouts       int
	expireNext    bool
	forbidden     int
	maindata      func(rid int64) string
	maindataDelay time.Duration
	rids          []int64
	calls         []fakeCall
	status        map[string]int
	addBody       string
}

func newFakeQBT(t *testing.T) *fakeQBT {
	t.Helper()
	f := &fakeQBT{
		username:      "admin",
		password:      "adminadmin",
		webAPIVersion: "2.9.3",
		sessions:      make(map[string]bool),
		status:        make(map[string]int),
		addBody:       "Ok.",
	}
	f.maindata = func(rid int64) string {
		return fmt.Sprintf(`{"rid":%d,"full_update":%t}`, rid+1, rid == 0)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeQBT) profile(name string) models.Profile {
	return models.Profile{
		Name:      name,
		Host:      f.srv.URL,
		Username:  "admin",
		Password:  "adminadmin",
		VerifySSL: true,
		Timeout:   5,
	}
}

func (f *fakeQBT) setMainData(fn func(rid int64) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maindata = fn
}

// expireSessions makes the next authenticated request fail with 403 and drops
// every session, like a server restart.
func (f *fakeQBT) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireNext = true
}

func (f *fakeQBT) setStatus(path string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = code
}

func (f *fakeQBT) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeQBT) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

func (f *fakeQBT) forbiddenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forbidden
}

// seenRids returns the rid of every maindata request, rejected ones included.
func (f *fakeQBT) seenRids() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.rids...)
}

func (f *fakeQBT) callsTo(path string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeQBT) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v2/")

	switch path {
	case "auth/login":
		f.handleLogin(w, r)
		return
	case "auth/logout":
		f.mu.Lock()
		f.logouts++
		if c, err := r.Cookie("SID"); err == nil {
			delete(f.sessions, c.Value)
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}

	var rid int64
	if path == "sync/maindata" {
		rid, _ = strconv.ParseInt(r.URL.Query().Get("rid"), 10, 64)
	}

	f.mu.Lock()
	if path == "sync/maindata" {
		f.rids = append(f.rids, rid)
	}
	cookie, err := r.Cookie("SID")
	valid := err == nil && f.sessions[cookie.Value]
	if valid && f.expireNext {
		f.expireNext = false
		f.sessions = make(map[string]bool)
		valid = false
	}
	if !valid {
		f.forbidden++
	}
	f.mu.Unlock()

	if !valid {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch {
	case path == "app/webapiVersion":
		f.mu.Lock()
		version := f.webAPIVersion
		f.mu.Unlock()
		_, _ = w.Write([]byte(version))
	case path == "sync/maindata":
		f.mu.Lock()
		fn := f.maindata
		delay := f.maindataDelay
		f.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fn(rid)))
	case strings.HasPrefix(path, "torrents/"):
		f.handleTorrents(w, r, path, cookie.Value)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeQBT) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++

	if f.banned {
		http.Error(w, "Your IP address has been banned", http.StatusForbidden)
		return
	}
	if r.PostForm.Get("username") != f.username || r.PostForm.Get("password") != f.password {
		_, _ = w.Write([]byte("Fails."))
		return
	}

	f.nextSID++
	sid := fmt.Sprintf("sid-%d", f.nextSID)
	f.sessions[sid] = true
	http.SetCookie(w, &http.Cookie{Name: "SID", Value: sid, Path: "/", HttpOnly: true})
	_, _ = w.Write([]byte("Ok."))
}

func (f *fakeQBT) handleTorrents(w http.ResponseWriter, r *http.Request, path, sid string) {
	call := fakeCall{Path: path, Cookie: sid, Files: map[string][]byte{}}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		call.Form = url.Values(r.MultipartForm.Value)
		for field, headers := range r.MultipartForm.File {
			for _, h := range headers {
				file, err := h.Open()
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				buf, _ := io.ReadAll(file)
				file.Close()
				call.Files[field] = buf
			}
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		call.Form = r.PostForm
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	code := f.status[path]
	addBody := f.addBody
	f.mu.Unlock()

	if code != 0 && code != http.StatusOK {
		http.Error(w, "simulated failure", code)
		return
	}
	if path == "torrents/add" {
		_, _ = w.Write([]byte(addBody))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// unreachableURL returns the address of a server that is no longer listening.
func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	return addr
}

func torrentJSON(name, state string, progress float64) string {
	return fmt.Sprintf(`{"name":%q,"state":%q,"progress":%g,"size":1000,"category":"","tags":"","tracker":""}`, name, state, progress)
}
