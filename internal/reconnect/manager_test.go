package reconnect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock runs zero-delay callbacks inline and the rest on Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{f: f}
	if d <= 0 {
		t.fired = true
		f()
		return t
	}
	c.mu.Lock()
	t.at = c.now.Add(d)
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due, pending []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.at.After(now) {
			due = append(due, t)
		} else if !t.stopped {
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fired = true
		t.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (t *fakeTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.sent = append(t.sent, p)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeDialer struct {
	mu         sync.Mutex
	fail       bool
	dials      int
	links      []*Link
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, link *Link) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	tr := &fakeTransport{}
	d.links = append(d.links, link)
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) lastLink() *Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[len(d.links)-1]
}

type transition struct {
	state     State
	connected bool
}

type recorder struct {
	mu  sync.Mutex
	got []transition
}

func (r *recorder) observe(s State, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, transition{s, connected})
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.got))
	for _, tr := range r.got {
		out = append(out, tr.state)
	}
	return out
}

func newTestManager(d Dialer, cfg Config, handler Handler) (*Manager, *fakeClock) {
	clock := newFakeClock()
	return New(d, handler, cfg, WithClock(clock)), clock
}

func TestFirstSubscriberConnects(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(dialer, Config{}, nil)
	rec := &recorder{}

	release := m.Subscribe(rec.observe)
	defer release()

	assert.Equal(t, []transition{{Connecting, false}, {Connected, true}}, rec.got)
	assert.True(t, m.IsConnected())
	assert.Equal(t, 1, dialer.dials)

	require.NoError(t, m.Send([]byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, dialer.transports[0].sent)
}

func TestBackoffIsBoundedAndErrorIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, MaxAttempts: 4}
	m, clock := newTestManager(dialer, cfg, nil)
	rec := &recorder{}
	release := m.Subscribe(rec.observe)
	defer release()
	require.True(t, m.IsConnected())

	dialer.setFail(true)
	dialer.lastLink().Lost(errors.New("connection reset"))
	assert.Equal(t, Reconnecting, m.State())

	for i := 0; i < cfg.MaxAttempts; i++ {
		require.Equal(t, 1, clock.Pending(), "attempt %d", i+1)
		clock.Advance(time.Second)
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}, clock.delays)
	assert.Equal(t, Error, m.State())
	assert.Equal(t, 0, clock.Pending(), "no automatic retries after error")
	assert.Equal(t, 1+cfg.MaxAttempts, dialer.dials)
	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Error}, rec.states())
	assert.ErrorIs(t, m.Send([]byte("x")), ErrNotConnected)

	dialer.setFail(false)
	m.Connect()
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 0, m.Attempts())
}

func TestSuccessfulRetryResetsAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := Config{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5}
	m, clock := newTestManager(dialer, cfg, nil)
	release := m.Subscribe(func(State, bool) {})
	defer release()

	dialer.setFail(true)
	dialer.lastLink().Lost(errors.New("eof"))
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, m.Attempts())

	dialer.setFail(false)
	clock.Advance(20 * time.Millisecond)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 0, m.Attempts())

	dialer.lastLink().Lost(errors.New("eof again"))
	clock.Advance(10 * time.Millisecond)
	assert.Equal(t, Connected, m.State(), "delay starts from base again")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}, clock.delays)
}

func TestLastReleaseTearsDown(t *testing.T) {
	dialer := &fakeDialer{}
	m, clock := newTestManager(dialer, Config{}, nil)
	first, second := &recorder{}, &recorder{}

	releaseFirst := m.Subscribe(first.observe)
	releaseSecond := m.Subscribe(second.observe)
	assert.Equal(t, []transition{{Connected, true}}, second.got, "late subscriber sees current state")
	assert.Equal(t, 1, dialer.dials, "one logical connection")

	releaseFirst()
	releaseFirst()
	assert.Equal(t, 1, m.Observers())
	assert.True(t, m.IsConnected())

	link := dialer.lastLink()
	releaseSecond()
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, dialer.transports[0].closed)

	link.Lost(errors.New("late"))
	assert.Equal(t, Disconnected, m.State(), "stale link is ignored")
	assert.Equal(t, 0, clock.Pending())
}

func TestServerCloseStaysDisconnected(t *testing.T) {
	dialer := &fakeDialer{}
	m, clock := newTestManager(dialer, Config{}, nil)
	rec := &recorder{}
	release := m.Subscribe(rec.observe)
	defer release()

	dialer.lastLink().Closed()
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 0, clock.Pending())

	m.Connect()
	assert.Equal(t, []State{Connecting, Connected, Disconnected, Connecting, Connected}, rec.states())
}

func TestExplicitDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	m, clock := newTestManager(dialer, Config{}, nil)
	release := m.Subscribe(func(State, bool) {})
	defer release()

	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	assert.True(t, dialer.transports[0].closed)
	assert.Equal(t, 0, clock.Pending())
	assert.ErrorIs(t, m.Send([]byte("x")), ErrNotConnected)
}

func TestInboundFramesReachHandler(t *testing.T) {
	dialer := &fakeDialer{}
	var got []string
	m, _ := newTestManager(dialer, Config{}, func(p []byte) { got = append(got, string(p)) })
	release := m.Subscribe(func(State, bool) {})

	link := dialer.lastLink()
	link.Deliver([]byte("one"))
	release()
	link.Deliver([]byte("two"))

	assert.Equal(t, []string{"one"}, got)
}

func TestObserversSeeStateAlreadyApplied(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(dialer, Config{}, nil)
	var seen []State
	release := m.Subscribe(func(s State, _ bool) {
		seen = append(seen, m.State())
	})
	defer release()
	assert.Equal(t, []State{Connecting, Connected}, seen)
}

func TestLossDuringConnectedNotificationDoesNotBlockObserver(t *testing.T) {
	dialer := &fakeDialer{}
	m, clock := newTestManager(dialer, Config{BaseDelay: time.Second}, nil)
	rec := &recorder{}

	var (
		once         sync.Once
		stateInside  State
		attemptsSeen int
		sendErr      error
	)
	release := m.Subscribe(func(s State, connected bool) {
		rec.observe(s, connected)
		if s != Connected {
			return
		}
		once.Do(func() {
			link := dialer.lastLink()
			lost := make(chan struct{})
			go func() {
				link.Lost(errors.New("reset right after handshake"))
				close(lost)
			}()
			select {
			case <-lost:
			case <-time.After(2 * time.Second):
				t.Error("transport loss blocked while an observer was running")
				return
			}
			stateInside = m.State()
			attemptsSeen = m.Attempts()
			sendErr = m.Send([]byte("late"))
		})
	})
	defer release()

	assert.Equal(t, Reconnecting, stateInside)
	assert.Equal(t, 0, attemptsSeen)
	assert.ErrorIs(t, sendErr, ErrNotConnected)
	assert.Equal(t, []State{Connecting, Connected, Reconnecting}, rec.states(), "queued transition delivered after the observer returns")
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Connected}, rec.states())
}

func TestReleasedObserverMissesQueuedNotifications(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(dialer, Config{}, nil)
	late := &recorder{}
	var releaseLate func()
	releaseFirst := m.Subscribe(func(s State, _ bool) {
		if s == Disconnected && releaseLate != nil {
			releaseLate()
		}
	})
	defer releaseFirst()
	releaseLate = m.Subscribe(late.observe)

	m.Disconnect()
	m.Connect()
	assert.Equal(t, []State{Connected}, late.states())
}
