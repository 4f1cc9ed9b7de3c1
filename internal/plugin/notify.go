// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

import (
	"time"

	"github.com/fleetchat/fleet/internal/plugin/worker"
)

// NotificationKind distinguishes notifications.
type NotificationKind string

// Notification kinds.
const (
	KindTransition NotificationKind = "transition"
	KindConsole    NotificationKind = "console"
)

// Notification reports a lifecycle transition or plugin console output.
type Notification struct {
	Kind     NotificationKind    `json:"kind"`
	PluginID string              `json:"pluginId"`
	From     Status              `json:"from,omitempty"`
	To       Status              `json:"to,omitempty"`
	Error    string              `json:"error,omitempty"`
	Console  *worker.ConsoleData `json:"console,omitempty"`
	Time     time.Time           `json:"time"`
}

// DefaultSubscriberBuffer is the channel capacity of a subscription.
const DefaultSubscriberBuffer = 64

type subscriber struct {
	ch chan Notification
}

// Subscribe returns a channel of notifications and a function that cancels
// the subscription and closes the channel. Slow subscribers miss
// notifications rather than block the manager.
func (m *Manager) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Notification, buffer)}

	m.subMu.Lock()
	if m.subsClosed {
		m.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()

	return sub.ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[sub]; ok {
			delete(m.subs, sub)
			close(sub.ch)
		}
	}
}

func (m *Manager) notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = m.now()
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subs {
		select {
		case sub.ch <- n:
		default:
			m.logger.Debug("dropped notification", "plugin", n.PluginID, "kind", n.Kind)
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sub)
	}
	m.subsClosed = true
}
