// Package reconnect owns the client's single logical connection. Consumers
// subscribe to it; the first subscriber opens the connection and the last
// one to leave tears it down.
package reconnect

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"chatcore/internal/log"
)

// State is the connection state seen by observers.
type State string

const (
	Connecting   State = "connecting"
	Connected    State = "connected"
	Disconnected State = "disconnected"
	Reconnecting State = "reconnecting"
	Error        State = "error"
)

// ErrNotConnected is returned by Send while there is no live transport.
var ErrNotConnected = errors.New("not connected")

// Transport is one live connection produced by a Dialer.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Dialer opens a transport. The transport reports inbound frames and its
// own end through link.
type Dialer interface {
	Dial(ctx context.Context, link *Link) (Transport, error)
}

// Observer is notified of every transition, in order.
type Observer func(state State, connected bool)

// Handler receives inbound frames from the live transport.
type Handler func(payload []byte)

type Config struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

type subscription struct {
	id       uint64
	fn       Observer
	released atomic.Bool
}

// notification is one pending observer call batch.
type notification struct {
	state     State
	observers []*subscription
}

// Manager is the reconnecting connection. Construct one per process and
// pass it to every consumer.
//
// Observers are called one at a time, in transition order, and never with
// the manager's lock held, so an observer may call any Manager method.
// A transition made while observers are running is queued and delivered
// once they return.
type Manager struct {
	cfg     Config
	dialer  Dialer
	handler Handler
	clock   Clock
	logger  zerolog.Logger
	policy  *backoff.ExponentialBackOff

	mu        sync.Mutex
	state     State
	observers []*subscription
	pending   []notification
	emitting  bool
	nextID    uint64
	gen       uint64
	attempts  int
	link      *Link
	transport Transport
	timer     Timer
}

func New(dialer Dialer, handler Handler, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		clock:   RealClock(),
		logger:  log.L().With().Str(log.FieldService, "reconnect").Logger(),
		state:   Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.policy = backoff.NewExponentialBackOff()
	m.policy.InitialInterval = cfg.BaseDelay
	m.policy.MaxInterval = cfg.MaxDelay
	m.policy.Multiplier = 2
	m.policy.RandomizationFactor = 0
	m.policy.MaxElapsedTime = 0
	m.policy.Reset()
	return m
}

// Subscribe registers fn and returns a release func. The first subscriber
// starts connecting; later subscribers are told the current state right
// away. Releasing the last subscriber closes the transport and resets the
// state to disconnected.
func (m *Manager) Subscribe(fn Observer) (release func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	sub := &subscription{id: id, fn: fn}
	m.observers = append(m.observers, sub)
	var once sync.Once
	release = func() { once.Do(func() { m.unsubscribe(id) }) }

	if len(m.observers) > 1 {
		m.pending = append(m.pending, notification{state: m.state, observers: []*subscription{sub}})
		m.mu.Unlock()
		m.drain()
		return release
	}
	gen := m.restartLocked()
	m.transitionLocked(Connecting)
	m.schedule(gen, 0)
	return release
}

func (m *Manager) unsubscribe(id uint64) {
	m.mu.Lock()
	for i, sub := range m.observers {
		if sub.id == id {
			sub.released.Store(true)
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			break
		}
	}
	if len(m.observers) > 0 {
		m.mu.Unlock()
		return
	}
	tr := m.teardownLocked()
	m.state = Disconnected
	m.mu.Unlock()
	m.logger.Debug().Msg("last observer released, connection torn down")
	closeTransport(tr)
}

// Connect starts a fresh connection cycle from error or disconnected. It is
// a no-op in any other state.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != Error && m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	gen := m.restartLocked()
	m.transitionLocked(Connecting)
	m.schedule(gen, 0)
}

// Disconnect closes the connection on purpose. No retry follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	tr := m.teardownLocked()
	m.transitionLocked(Disconnected)
	closeTransport(tr)
}

// Send writes payload to the live transport.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	tr := m.transport
	m.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	return tr.Send(payload)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Attempts is the number of failed attempts since the last success.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) Observers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

// restartLocked invalidates pending work and resets the attempt counter.
func (m *Manager) restartLocked() uint64 {
	m.gen++
	m.attempts = 0
	m.policy.Reset()
	return m.gen
}

// teardownLocked invalidates pending work and detaches the transport, which
// the caller closes after releasing the lock.
func (m *Manager) teardownLocked() Transport {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	tr := m.transport
	m.transport = nil
	m.link = nil
	return tr
}

// transitionLocked applies next and notifies observers. It is called with
// mu held and returns with mu released.
func (m *Manager) transitionLocked(next State) {
	prev := m.state
	m.state = next
	m.logger.Info().Str(log.FieldState, string(next)).Str("from", string(prev)).Int(log.FieldAttempt, m.attempts).Msg("connection state changed")
	m.pending = append(m.pending, notification{state: next, observers: slices.Clone(m.observers)})
	m.mu.Unlock()
	m.drain()
}

// drain delivers queued notifications. Only one goroutine drains at a
// time; any other caller returns at once and its notification is
// delivered by the goroutine already draining.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.emitting {
		m.mu.Unlock()
		return
	}
	m.emitting = true
	for len(m.pending) > 0 {
		n := m.pending[0]
		m.pending[0] = notification{}
		m.pending = m.pending[1:]
		m.mu.Unlock()
		for _, sub := range n.observers {
			if !sub.released.Load() {
				sub.fn(n.state, n.state == Connected)
			}
		}
		m.mu.Lock()
	}
	m.emitting = false
	m.mu.Unlock()
}

func (m *Manager) schedule(gen uint64, delay time.Duration) {
	t := m.clock.AfterFunc(delay, func() { m.attempt(gen) })
	m.mu.Lock()
	if m.gen == gen {
		m.timer = t
	}
	m.mu.Unlock()
}

func (m *Manager) attempt(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || (m.state != Connecting && m.state != Reconnecting) {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	link := &Link{m: m, gen: gen}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	tr, err := m.dialer.Dial(ctx, link)
	cancel()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		closeTransport(tr)
		return
	}
	if err == nil && link.ended.Load() {
		err = errors.New("transport closed during handshake")
	}
	if err != nil {
		closeTransport(tr)
		m.failLocked(gen, err)
		return
	}
	m.transport = tr
	m.link = link
	m.attempts = 0
	m.policy.Reset()
	m.transitionLocked(Connected)
}

// failLocked records a failed attempt and either schedules the next one or
// gives up. Called with mu held; returns with mu released.
func (m *Manager) failLocked(gen uint64, err error) {
	m.attempts++
	if m.attempts >= m.cfg.MaxAttempts {
		m.logger.Error().Err(err).Int(log.FieldAttempt, m.attempts).Msg("reconnect attempts exhausted")
		m.gen++
		m.transitionLocked(Error)
		return
	}
	delay := m.policy.NextBackOff()
	m.logger.Warn().Err(err).Int(log.FieldAttempt, m.attempts).Dur("retry_in", delay).Msg("connection attempt failed")
	if m.state == Reconnecting {
		m.mu.Unlock()
	} else {
		m.transitionLocked(Reconnecting)
	}
	m.schedule(gen, delay)
}

func (m *Manager) lost(l *Link, err error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.link = nil
	m.attempts = 0
	m.policy.Reset()
	gen := m.gen
	delay := m.policy.NextBackOff()
	m.logger.Warn().Err(err).Dur("retry_in", delay).Msg("connection lost")
	m.transitionLocked(Reconnecting)
	m.schedule(gen, delay)
}

func (m *Manager) closed(l *Link) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.transitionLocked(Disconnected)
}

func (m *Manager) deliver(l *Link, payload []byte) {
	m.mu.Lock()
	live := m.link == l
	m.mu.Unlock()
	if live && m.handler != nil {
		m.handler(payload)
	}
}

func closeTransport(tr Transport) {
	if tr != nil {
		_ = tr.Close()
	}
}

// Link is handed to a Dialer so the transport it creates can report back.
// Calls from a transport that is no longer current are ignored.
type Link struct {
	m     *Manager
	gen   uint64
	ended atomic.Bool
}

// Deliver passes one inbound frame to the manager's handler.
func (l *Link) Deliver(payload []byte) {
	l.m.deliver(l, payload)
}

// Lost reports an abnormal end of the transport. The manager reconnects.
func (l *Link) Lost(err error) {
	l.ended.Store(true)
	l.m.lost(l, err)
}

// Closed reports a normal close initiated by the server. The manager stays
// disconnected.
func (l *Link) Closed() {
	l.ended.Store(true)
	l.m.closed(l)
}
