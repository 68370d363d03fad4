package outbox

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/events"
	"chatcore/internal/queue"
	"chatcore/internal/reconnect"
)

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) reconnect.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*manualTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// stubConn lets a test drive connection transitions by hand.
type stubConn struct {
	connected bool
	fail      bool
	frames    []events.SendMessageEvent
	observer  reconnect.Observer
	// onSend runs after a frame is written, as if the server replied
	// before Send returned.
	onSend func(events.SendMessageEvent)
}

func (c *stubConn) Send(payload []byte) error {
	if !c.connected {
		return reconnect.ErrNotConnected
	}
	if c.fail {
		return errors.New("write: broken pipe")
	}
	evt, err := events.DecodeInbound(payload)
	if err != nil {
		return err
	}
	msg := *evt.(*events.SendMessageEvent)
	c.frames = append(c.frames, msg)
	if c.onSend != nil {
		c.onSend(msg)
	}
	return nil
}

func (c *stubConn) IsConnected() bool { return c.connected }

func (c *stubConn) Subscribe(fn reconnect.Observer) func() {
	c.observer = fn
	return func() { c.observer = nil }
}

func (c *stubConn) transition(state reconnect.State) {
	c.connected = state == reconnect.Connected
	if c.observer != nil {
		c.observer(state, c.connected)
	}
}

func newOutbox(t *testing.T, conn *stubConn, opts ...queue.Option) (*Outbox, *queue.Queue, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	q := queue.New(&queue.Memory{}, opts...)
	o := New("u1", q, conn, clock, Config{AckTimeout: 5 * time.Second, SweepInterval: time.Minute})
	stop := o.Start()
	t.Cleanup(stop)
	return o, q, clock
}

func echo(msg events.SendMessageEvent, id domain.ID) *events.NewMessageEvent {
	return &events.NewMessageEvent{
		Message: domain.Message{
			ID:             id,
			ConversationID: msg.ConversationID,
			UserID:         msg.UserID,
			Content:        msg.Content,
			Status:         domain.StatusSent,
		},
		ClientMessageID: msg.ClientMessageID,
	}
}

func TestQueuedMessageSurvivesDropAndIsRetriedOnReconnect(t *testing.T) {
	conn := &stubConn{connected: true}
	o, q, _ := newOutbox(t, conn)

	id := o.Send(42, "hi", nil, nil)
	require.Len(t, conn.frames, 1)
	assert.Equal(t, id, conn.frames[0].ClientMessageID)
	assert.Equal(t, "u1", conn.frames[0].UserID)

	conn.transition(reconnect.Reconnecting)
	assert.Len(t, q.All(), 1, "unacknowledged send stays queued")

	conn.transition(reconnect.Connected)
	require.Len(t, conn.frames, 2, "retried on reconnect")
	entry, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, entry.RetryCount)

	assert.True(t, o.HandleEvent(echo(conn.frames[1], 100)))
	assert.Empty(t, q.All(), "echo dequeues the entry")
}

func TestOfflineSendFlushesOnConnect(t *testing.T) {
	conn := &stubConn{}
	o, q, _ := newOutbox(t, conn)

	reply := domain.ID(7)
	id := o.Send(3, "composed offline", &reply, []string{"a.png"})
	assert.Empty(t, conn.frames)
	assert.Len(t, q.ListForConversation(3), 1)

	conn.transition(reconnect.Connected)
	require.Len(t, conn.frames, 1)
	sent := conn.frames[0]
	assert.Equal(t, id, sent.ClientMessageID)
	require.NotNil(t, sent.ReplyToID)
	assert.Equal(t, reply, *sent.ReplyToID)
	assert.Equal(t, []string{"a.png"}, sent.Attachments)

	entry, _ := q.Get(id)
	assert.Equal(t, 0, entry.RetryCount, "first transmission is not a retry")
}

func TestRetriesAreBoundedAndExhaustionIsReported(t *testing.T) {
	var exhausted []queue.QueuedMessage
	conn := &stubConn{connected: true, fail: true}
	o, q, _ := newOutbox(t, conn, queue.WithOnExhausted(func(m queue.QueuedMessage) {
		exhausted = append(exhausted, m)
	}))

	id := o.Send(1, "doomed", nil, nil)
	for i := 0; i < queue.MaxRetries+2; i++ {
		o.Flush()
	}

	assert.Empty(t, q.All())
	require.Len(t, exhausted, 1)
	assert.Equal(t, id, exhausted[0].ID)
	assert.Empty(t, conn.frames)
}

func TestAckTimeoutMakesEntryDue(t *testing.T) {
	conn := &stubConn{connected: true}
	o, q, clock := newOutbox(t, conn)

	id := o.Send(1, "slow ack", nil, nil)
	o.Flush()
	assert.Len(t, conn.frames, 1, "still waiting for the echo")

	clock.Advance(6 * time.Second)
	o.Flush()
	require.Len(t, conn.frames, 2)
	entry, _ := q.Get(id)
	assert.Equal(t, 1, entry.RetryCount)
}

func TestServerErrorMakesEntryDue(t *testing.T) {
	conn := &stubConn{connected: true}
	o, q, _ := newOutbox(t, conn)

	id := o.Send(1, "rejected once", nil, nil)
	assert.True(t, o.HandleEvent(&events.ErrorEvent{Message: "failed to send message", Event: events.SendMessage, ClientMessageID: id}))
	assert.Len(t, q.All(), 1)

	o.Flush()
	assert.Len(t, conn.frames, 2)
}

func TestSweepRetriesPeriodically(t *testing.T) {
	conn := &stubConn{connected: true}
	o, _, clock := newOutbox(t, conn)

	o.Send(1, "tick", nil, nil)
	clock.Advance(30 * time.Second)
	assert.Len(t, conn.frames, 1)
	clock.Advance(30 * time.Second)
	assert.Len(t, conn.frames, 2, "sweep resent the unacknowledged entry")
}

func TestUnrelatedEventsAreIgnored(t *testing.T) {
	conn := &stubConn{connected: true}
	o, q, _ := newOutbox(t, conn)
	o.Send(1, "keep", nil, nil)

	assert.False(t, o.HandleEvent(&events.UserTypingEvent{ConversationID: 1, UserID: "u2", IsTyping: true}))
	other := &events.NewMessageEvent{Message: domain.Message{ID: 5, ConversationID: 1, UserID: "u2", Status: domain.StatusSent}}
	assert.False(t, o.HandleEvent(other))
	assert.Len(t, q.All(), 1)
}

func TestEchoBeforeSendReturnsLeavesNothingInFlight(t *testing.T) {
	conn := &stubConn{connected: true}
	o, q, _ := newOutbox(t, conn)
	conn.onSend = func(msg events.SendMessageEvent) {
		o.HandleEvent(echo(msg, 9))
	}

	o.Send(1, "fast echo", nil, nil)
	require.Len(t, conn.frames, 1)
	assert.Empty(t, q.All())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.inflight)
	assert.Empty(t, o.sent)
}

func TestFlushDuringTransmitDoesNotSendTwice(t *testing.T) {
	conn := &stubConn{connected: true}
	o, q, _ := newOutbox(t, conn)
	flushes := 0
	conn.onSend = func(events.SendMessageEvent) {
		if flushes == 0 {
			flushes++
			o.Flush()
		}
	}

	id := o.Send(1, "once", nil, nil)
	assert.Len(t, conn.frames, 1, "the reconnect flush saw the entry in flight")
	entry, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0, entry.RetryCount)
}
