// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/autobrr/qremote/internal/buildinfo"
)

const sessionCookieName = "SID"

// Request is one WebAPI call. Path is relative to the /api/v2 root.
type Request struct {
	Method string
	Path   string
	Params url.Values
	Files  []FilePart
	// NoRetry disables the transparent retry after re-authentication.
	NoRetry bool
}

// FilePart is a multipart file upload.
type FilePart struct {
	Field    string
	FileName string
	Content  []byte
}

type TransportConfig struct {
	// BaseURL is the WebAPI root, e.g. http://host:8080/api/v2
	BaseURL       string
	Timeout       time.Duration
	VerifySSL     bool
	BasicUsername string
	BasicPassword string
}

// Transport performs single HTTP exchanges against one server and carries the
// session cookie. It never retries.
type Transport struct {
	baseURL *url.URL
	origin  string
	cfg     TransportConfig
	client  *http.Client
	jar     *resettableJar
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	jar, err := newResettableJar()
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifySSL} //nolint:gosec // user opt-in for self-signed servers

	return &Transport{
		baseURL: base,
		origin:  base.Scheme + "://" + base.Host,
		cfg:     cfg,
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
		},
		jar: jar,
	}, nil
}

// Send executes req. A 403 maps to ErrAuthExpired, other statuses >= 400 to
// *HTTPError, network failures to ErrUnreachable.
func (t *Transport) Send(ctx context.Context, req Request) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	httpReq, err := t.build(ctx, req)
	if err != nil {
		return 0, nil, err
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return 0, nil, t.classifyNetworkError(ctx, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, t.classifyNetworkError(ctx, req.Path, err)
	}

	log.Trace().
		Str("method", httpReq.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Int("bytes", len(body)).
		Msg("qBittorrent request")

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, body, errors.Wrap(ErrAuthExpired, req.Path)
	case resp.StatusCode >= 400:
		return resp.StatusCode, body, &HTTPError{StatusCode: resp.StatusCode, Path: req.Path, Body: strings.TrimSpace(string(body))}
	}

	return resp.StatusCode, body, nil
}

func (t *Transport) build(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	endpoint := t.baseURL.JoinPath(strings.TrimLeft(req.Path, "/"))

	var (
		body        io.Reader
		contentType string
	)

	switch {
	case method == http.MethodGet:
		if len(req.Params) > 0 {
			endpoint.RawQuery = req.Params.Encode()
		}
	case len(req.Files) > 0:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		for key, values := range req.Params {
			for _, v := range values {
				if err := mw.WriteField(key, v); err != nil {
					return nil, errors.Wrap(err, "write multipart field")
				}
			}
		}
		for _, f := range req.Files {
			part, err := mw.CreateFormFile(f.Field, f.FileName)
			if err != nil {
				return nil, errors.Wrap(err, "create multipart file")
			}
			if _, err := part.Write(f.Content); err != nil {
				return nil, errors.Wrap(err, "write multipart file")
			}
		}
		if err := mw.Close(); err != nil {
			return nil, errors.Wrap(err, "close multipart writer")
		}
		body = buf
		contentType = mw.FormDataContentType()
	default:
		body = strings.NewReader(req.Params.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("User-Agent", buildinfo.UserAgent)
	// qBittorrent's CSRF protection compares these against its own host
	httpReq.Header.Set("Referer", t.origin+"/")
	httpReq.Header.Set("Origin", t.origin)
	if t.cfg.BasicUsername != "" {
		httpReq.SetBasicAuth(t.cfg.BasicUsername, t.cfg.BasicPassword)
	}

	return httpReq, nil
}

func (t *Transport) classifyNetworkError(ctx context.Context, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return errors.Wrap(context.Canceled, path)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
}

// ResetCookies drops the session cookie.
func (t *Transport) ResetCookies() {
	t.jar.reset()
}

// HasSessionCookie reports whether the jar holds a session cookie for the server.
func (t *Transport) HasSessionCookie() bool {
	for _, c := range t.jar.Cookies(t.baseURL) {
		if c.Name == sessionCookieName && c.Value != "" {
			return true
		}
	}
	return false
}

// CloseIdleConnections releases pooled connections.
func (t *Transport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

// resettableJar lets the cookie jar be swapped while requests are in flight.
type resettableJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newResettableJar() (*resettableJar, error) {
	j := &resettableJar{}
	if err := j.replace(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *resettableJar) replace() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return errors.Wrap(err, "create cookie jar")
	}
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
	return nil
}

func (j *resettableJar) reset() {
	if err := j.replace(); err != nil {
		log.Error().Err(err).Msg("Failed to reset cookie jar")
	}
}

func (j *resettableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	jar := j.jar
	j.mu.RUnlock()
	jar.SetCookies(u, cookies)
}

func (j *resettableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	jar := j.jar
	j.mu.RUnlock()
	return jar.Cookies(u)
}
