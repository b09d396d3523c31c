// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/autobrr/qremote/internal/domain"
)

const (
	DefaultProfileName = "Default"
	DefaultHost        = "http://127.0.0.1:8080"
	DefaultUsername    = "admin"
	DefaultPassword    = "adminadmin"
	DefaultTimeout     = 15

	apiSuffix = "/api/v2"
)

var ErrInvalidProfile = errors.New("invalid profile")

var profileValidate *validator.Validate

func init() {
	profileValidate = validator.New()
	_ = profileValidate.RegisterValidation("qbthost", func(fl validator.FieldLevel) bool {
		_, err := validateAndNormalizeHost(fl.Field().String())
		return err == nil
	})
}

// Profile is a named set of connection parameters for one qBittorrent server.
// The name is the key it is stored under, so it is not part of the JSON body.
type Profile struct {
	Name          string `json:"-" validate:"required,max=128"`
	Host          string `json:"host" validate:"required,qbthost"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	VerifySSL     bool   `json:"verify_ssl"`
	Timeout       int    `json:"timeout" validate:"gte=0,lte=600"`
	BasicUsername string `json:"basic_username,omitempty"`
	BasicPassword string `json:"basic_password,omitempty"`

	// Options holds string-valued keys this version does not model. They are
	// written back unchanged on save.
	Options map[string]string `json:"-"`

	// extra holds unmodeled keys whose values are not strings.
	extra map[string]json.RawMessage
}

var profileKeys = map[string]struct{}{
	"host":           {},
	"username":       {},
	"password":       {},
	"verify_ssl":     {},
	"timeout":        {},
	"basic_username": {},
	"basic_password": {},
}

// DefaultProfile returns the connection the application starts with on a fresh install.
func DefaultProfile() Profile {
	return Profile{
		Name:      DefaultProfileName,
		Host:      DefaultHost,
		Username:  DefaultUsername,
		Password:  DefaultPassword,
		VerifySSL: true,
		Timeout:   DefaultTimeout,
	}
}

// UnmarshalJSON keeps the defaults for keys missing from older settings files.
func (p *Profile) UnmarshalJSON(data []byte) error {
	type alias Profile
	tmp := alias(DefaultProfile())
	tmp.Name = ""
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	name := p.Name
	*p = Profile(tmp)
	p.Name = name

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for key, raw := range fields {
		if _, known := profileKeys[key]; known {
			continue
		}
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			if p.Options == nil {
				p.Options = make(map[string]string)
			}
			p.Options[key] = str
			continue
		}
		if p.extra == nil {
			p.extra = make(map[string]json.RawMessage)
		}
		p.extra[key] = bytes.Clone(raw)
	}
	return nil
}

// MarshalJSON writes the modeled fields followed by the unmodeled keys in sorted order.
func (p Profile) MarshalJSON() ([]byte, error) {
	type alias Profile
	data, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}

	extras := make(map[string]json.RawMessage, len(p.Options)+len(p.extra))
	for key, raw := range p.extra {
		extras[key] = raw
	}
	for key, value := range p.Options {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		extras[key] = raw
	}
	if len(extras) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	for _, key := range slices.Sorted(maps.Keys(extras)) {
		if _, known := profileKeys[key]; known {
			continue
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(extras[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clone returns a copy that shares no maps with p.
func (p Profile) Clone() Profile {
	p.Options = maps.Clone(p.Options)
	p.extra = maps.Clone(p.extra)
	return p
}

// Validate checks the profile and normalizes its host in place.
func (p *Profile) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if err := profileValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	host, err := validateAndNormalizeHost(p.Host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	p.Host = host
	return nil
}

// APIBaseURL returns the WebAPI root for this profile without a trailing slash.
func (p Profile) APIBaseURL() string {
	host := strings.TrimRight(strings.TrimSpace(p.Host), "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	if strings.HasSuffix(host, apiSuffix) {
		return host
	}
	return host + apiSuffix
}

// RequestTimeout returns the per-request timeout, falling back when unset.
func (p Profile) RequestTimeout(fallback time.Duration) time.Duration {
	if p.Timeout > 0 {
		return time.Duration(p.Timeout) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout * time.Second
}

// ConnectionEqual reports whether two profiles would open the same session.
func (p Profile) ConnectionEqual(other Profile) bool {
	return p.Host == other.Host &&
		p.Username == other.Username &&
		p.Password == other.Password &&
		p.VerifySSL == other.VerifySSL &&
		p.Timeout == other.Timeout &&
		p.BasicUsername == other.BasicUsername &&
		p.BasicPassword == other.BasicPassword &&
		maps.Equal(p.Options, other.Options) &&
		maps.EqualFunc(p.extra, other.extra, func(a, b json.RawMessage) bool { return bytes.Equal(a, b) })
}

// Redacted returns a copy that is safe to log or print.
func (p Profile) Redacted() Profile {
	p.Password = domain.RedactString(p.Password)
	p.BasicPassword = domain.RedactString(p.BasicPassword)
	return p
}

// MergeSecrets keeps stored secrets when an edit submits the redacted placeholder.
func (p *Profile) MergeSecrets(stored Profile) {
	if domain.IsRedactedString(p.Password) {
		p.Password = stored.Password
	}
	if domain.IsRedactedString(p.BasicPassword) {
		p.BasicPassword = stored.BasicPassword
	}
}

// InheritOptions carries the stored unmodeled keys over when an edit did not supply any.
func (p *Profile) InheritOptions(stored Profile) {
	if p.Options == nil {
		p.Options = maps.Clone(stored.Options)
	}
	if p.extra == nil {
		p.extra = maps.Clone(stored.extra)
	}
}

// validateAndNormalizeHost validates and normalizes a qBittorrent host URL
func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)

	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}
