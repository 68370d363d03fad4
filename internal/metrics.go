package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	signups     atomic.Uint64
	logins      atomic.Uint64
	activeConns atomic.Int64
	events      atomic.Uint64
	messages    atomic.Uint64
	rooms       func() int
}

// NewMetrics returns counters; rooms, when set, reports the live room count.
func NewMetrics(rooms func() int) *Metrics {
	return &Metrics{rooms: rooms}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncEvent() {
	m.events.Add(1)
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"signups_total":       m.signups.Load(),
		"logins_total":        m.logins.Load(),
		"active_connections":  m.activeConns.Load(),
		"events_total":        m.events.Load(),
		"http_messages_total": m.messages.Load(),
	}
	if m.rooms != nil {
		payload["active_rooms"] = m.rooms()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
