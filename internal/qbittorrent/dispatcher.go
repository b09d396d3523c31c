// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Action is a user intent the dispatcher can send to the server.
type Action string

const (
	ActionPause            Action = "pause"
	ActionResume           Action = "resume"
	ActionDelete           Action = "delete"
	ActionRecheck          Action = "recheck"
	ActionAdd              Action = "add"
	ActionIncreasePriority Action = "increasePriority"
	ActionDecreasePriority Action = "decreasePriority"
)

// ParseAction maps a user supplied name onto an Action.
func ParseAction(name string) (Action, error) {
	a := Action(strings.TrimSpace(name))
	switch a {
	case ActionPause, ActionResume, ActionDelete, ActionRecheck, ActionAdd, ActionIncreasePriority, ActionDecreasePriority:
		return a, nil
	}
	return "", errors.Wrapf(ErrInvalidCommand, "unknown action %q", name)
}

// CommandStatus is the completion state of an issued command.
type CommandStatus string

const (
	CommandInFlight  CommandStatus = "in_flight"
	CommandConfirmed CommandStatus = "confirmed"
	CommandFailed    CommandStatus = "failed"
)

type AddOptions struct {
	Category string
	SavePath string
	Paused   bool
}

// Command is one user request. Hashes are required for every action except
// add, which reads Source instead.
type Command struct {
	Action      Action
	Hashes      []string
	DeleteFiles bool
	Source      string
	Options     AddOptions
}

type CommandResult struct {
	ID     string
	Action Action
	Hashes []string
	Status CommandStatus
	Kind   ErrorKind
	Err    error
}

// Dispatcher validates commands, applies their optimistic effect to the engine
// view and sends them through the session.
type Dispatcher struct {
	session  *SessionManager
	engine   *SyncEngine
	recorder Recorder

	listenersMu sync.RWMutex
	listeners   []func(CommandResult)
}

func NewDispatcher(session *SessionManager, engine *SyncEngine, recorder Recorder) *Dispatcher {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{
		session:  session,
		engine:   engine,
		recorder: recorder,
	}
}

// OnResult registers a listener for finished commands. Listeners must not block.
func (d *Dispatcher) OnResult(fn func(CommandResult)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Dispatcher) publish(result CommandResult) {
	d.recorder.ObserveCommand(d.session.ProfileName(), result.Action, result.Status, result.Kind)

	d.listenersMu.RLock()
	listeners := append([]func(CommandResult){}, d.listeners...)
	d.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(result)
	}
}

// Issue runs cmd. Malformed commands fail with ErrInvalidCommand before any
// request is made. Failures revert the optimistic effect immediately.
func (d *Dispatcher) Issue(ctx context.Context, cmd Command) (CommandResult, error) {
	result := CommandResult{
		ID:     uuid.NewString(),
		Action: cmd.Action,
		Status: CommandInFlight,
	}

	hashes, source, err := validateCommand(cmd)
	if err != nil {
		return d.fail(result, err)
	}
	result.Hashes = hashes

	req := d.buildRequest(cmd, hashes, source)

	if d.engine != nil {
		if cmd.Action == ActionAdd {
			if source.InfoHash != "" {
				d.engine.AddPlaceholder(result.ID, placeholderTorrent(source, cmd.Options))
			}
		} else {
			d.engine.ApplyOptimistic(result.ID, cmd.Action, hashes)
		}
	}

	resp, err := d.session.Do(ctx, req)
	if err == nil && cmd.Action == ActionAdd && strings.TrimSpace(string(resp.Body)) == "Fails." {
		err = errors.Wrap(ErrServerError, "qBittorrent refused to add the torrent")
	}
	if err != nil {
		if d.engine != nil {
			d.engine.RevertOptimistic(result.ID)
		}
		return d.fail(result, err)
	}

	if d.engine != nil {
		d.engine.ConfirmOptimistic(result.ID)
		d.engine.RequestSync()
	}

	result.Status = CommandConfirmed
	log.Debug().
		Str("profile", d.session.ProfileName()).
		Str("action", string(cmd.Action)).
		Str("command", result.ID).
		Int("hashCount", len(hashes)).
		Msg("Command accepted by qBittorrent")
	d.publish(result)
	return result, nil
}

func (d *Dispatcher) fail(result CommandResult, err error) (CommandResult, error) {
	result.Status = CommandFailed
	result.Kind = KindOf(err)
	result.Err = err

	log.Warn().
		Err(err).
		Str("profile", d.session.ProfileName()).
		Str("action", string(result.Action)).
		Str("kind", string(result.Kind)).
		Msg("Command failed")

	d.publish(result)
	return result, err
}

func (d *Dispatcher) buildRequest(cmd Command, hashes []string, source AddSource) Request {
	caps := d.session.Capabilities()
	params := url.Values{}
	req := Request{Method: http.MethodPost, Params: params}

	if cmd.Action != ActionAdd {
		params.Set("hashes", strings.Join(hashes, "|"))
	}

	switch cmd.Action {
	case ActionPause:
		req.Path = "torrents/pause"
		if caps.UseStartStop {
			req.Path = "torrents/stop"
		}
	case ActionResume:
		req.Path = "torrents/resume"
		if caps.UseStartStop {
			req.Path = "torrents/start"
		}
	case ActionDelete:
		req.Path = "torrents/delete"
		params.Set("deleteFiles", strconv.FormatBool(cmd.DeleteFiles))
		// A delete that reached the server must not be sent twice
		req.NoRetry = true
	case ActionRecheck:
		req.Path = "torrents/recheck"
	case ActionIncreasePriority:
		req.Path = "torrents/increasePrio"
	case ActionDecreasePriority:
		req.Path = "torrents/decreasePrio"
	case ActionAdd:
		req.Path = "torrents/add"
		if cmd.Options.Category != "" {
			params.Set("category", cmd.Options.Category)
		}
		if cmd.Options.SavePath != "" {
			params.Set("savepath", cmd.Options.SavePath)
		}
		if cmd.Options.Paused {
			if caps.UseStartStop {
				params.Set("stopped", "true")
			} else {
				params.Set("paused", "true")
			}
		}
		switch source.Kind {
		case SourceFile:
			req.Files = []FilePart{{
				Field:    "torrents",
				FileName: filepath.Base(source.Path),
				Content:  source.Content,
			}}
		default:
			params.Set("urls", source.URI)
		}
	}

	return req
}

// validateCommand checks cmd without touching the network and returns the
// normalized hashes or the parsed add source.
func validateCommand(cmd Command) ([]string, AddSource, error) {
	switch cmd.Action {
	case ActionAdd:
		source, err := ParseAddSource(cmd.Source)
		if err != nil {
			return nil, AddSource{}, err
		}
		return nil, source, nil
	case ActionPause, ActionResume, ActionDelete, ActionRecheck, ActionIncreasePriority, ActionDecreasePriority:
		hashes, err := normalizeHashes(cmd.Hashes)
		if err != nil {
			return nil, AddSource{}, err
		}
		return hashes, AddSource{}, nil
	case "":
		return nil, AddSource{}, errors.Wrap(ErrInvalidCommand, "missing action")
	default:
		return nil, AddSource{}, errors.Wrapf(ErrInvalidCommand, "unknown action %q", cmd.Action)
	}
}

// normalizeHashes lowercases, de-duplicates and validates torrent hashes.
func normalizeHashes(hashes []string) ([]string, error) {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if !isValidHash(h) {
			return nil, errors.Wrapf(ErrInvalidCommand, "malformed torrent hash %q", h)
		}
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrInvalidCommand, "no torrents selected")
	}
	return out, nil
}

func isValidHash(h string) bool {
	if len(h) != 40 && len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

func placeholderTorrent(source AddSource, opts AddOptions) Torrent {
	name := source.Name
	if name == "" {
		name = source.InfoHash
	}
	state := qbt.TorrentStateMetaDl
	if source.Kind == SourceFile {
		state = qbt.TorrentStateQueuedDl
	}
	if opts.Paused {
		state = qbt.TorrentStatePausedDl
	}
	return Torrent{
		Hash:       source.InfoHash,
		Name:       name,
		State:      state,
		Size:       source.Size,
		TotalSize:  source.Size,
		AmountLeft: source.Size,
		Category:   opts.Category,
		SavePath:   opts.SavePath,
		InfohashV1: source.InfoHash,
	}
}
