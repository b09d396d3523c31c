// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/autobrr/qremote/internal/qbittorrent"
)

const namespace = "qremote"

var connectionStates = []qbittorrent.SessionState{
	qbittorrent.StateDisconnected,
	qbittorrent.StateConnecting,
	qbittorrent.StateConnected,
	qbittorrent.StateAuthExpired,
}

// MetricsManager owns a private registry and records sync and command activity.
type MetricsManager struct {
	registry *prometheus.Registry

	pollsTotal      *prometheus.CounterVec
	pollDuration    *prometheus.HistogramVec
	torrents        *prometheus.GaugeVec
	commandsTotal   *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
}

func NewMetricsManager() *MetricsManager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &MetricsManager{
		registry: registry,
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_polls_total",
			Help:      "Number of sync/maindata polls by outcome",
		}, []string{"profile", "result"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_poll_duration_seconds",
			Help:      "Duration of sync/maindata polls including merge",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"profile"}),
		torrents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "torrents",
			Help:      "Number of torrents in the local snapshot",
		}, []string{"profile"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of commands by action and outcome",
		}, []string{"profile", "action", "status", "kind"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Session state per profile, 1 for the current state",
		}, []string{"profile", "state"}),
	}

	registry.MustRegister(m.pollsTotal, m.pollDuration, m.torrents, m.commandsTotal, m.connectionState)
	return m
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsManager) ObservePoll(profile string, took time.Duration, kind qbittorrent.ErrorKind) {
	result := "success"
	if kind != qbittorrent.KindNone {
		result = string(kind)
	}
	m.pollsTotal.WithLabelValues(profile, result).Inc()
	m.pollDuration.WithLabelValues(profile).Observe(took.Seconds())
}

func (m *MetricsManager) SetTorrentCount(profile string, n int) {
	m.torrents.WithLabelValues(profile).Set(float64(n))
}

func (m *MetricsManager) ObserveCommand(profile string, action qbittorrent.Action, status qbittorrent.CommandStatus, kind qbittorrent.ErrorKind) {
	m.commandsTotal.WithLabelValues(profile, string(action), string(status), string(kind)).Inc()
}

func (m *MetricsManager) SetConnectionState(profile string, state qbittorrent.SessionState) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.connectionState.WithLabelValues(profile, s.String()).Set(value)
	}
}

var _ qbittorrent.Recorder = (*MetricsManager)(nil)
