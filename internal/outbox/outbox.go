// Package outbox sends chat messages through the offline queue: every
// message is queued before it is written to the connection and leaves the
// queue only when the server echoes it back.
package outbox

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/events"
	"chatcore/internal/log"
	"chatcore/internal/queue"
	"chatcore/internal/reconnect"
)

// Conn is the part of reconnect.Manager the outbox uses.
type Conn interface {
	Send(payload []byte) error
	IsConnected() bool
	Subscribe(fn reconnect.Observer) (release func())
}

type Config struct {
	// AckTimeout is how long a transmitted entry waits for its echo before
	// it becomes a retry candidate.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// SweepInterval is the period of the retry and purge sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// PurgeAge drops entries older than this on every sweep.
	PurgeAge time.Duration `mapstructure:"purge_age"`
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.PurgeAge <= 0 {
		c.PurgeAge = 24 * time.Hour
	}
	return c
}

type Outbox struct {
	userID string
	queue  *queue.Queue
	conn   Conn
	clock  reconnect.Clock
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sent     map[string]bool
	inflight map[string]time.Time
	sweep    reconnect.Timer
	stopped  bool
}

// New builds an outbox for userID. A nil clock means the real one.
func New(userID string, q *queue.Queue, conn Conn, clock reconnect.Clock, cfg Config) *Outbox {
	if clock == nil {
		clock = reconnect.RealClock()
	}
	return &Outbox{
		userID:   userID,
		queue:    q,
		conn:     conn,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   log.L().With().Str(log.FieldService, "outbox").Str(log.FieldUserID, userID).Logger(),
		sent:     make(map[string]bool),
		inflight: make(map[string]time.Time),
	}
}

// Start subscribes to the connection and schedules the periodic sweep.
// The returned func undoes both.
func (o *Outbox) Start() (stop func()) {
	release := o.conn.Subscribe(o.onState)
	o.scheduleSweep()
	return func() {
		o.mu.Lock()
		o.stopped = true
		if o.sweep != nil {
			o.sweep.Stop()
		}
		o.mu.Unlock()
		release()
	}
}

// Send queues a message and transmits it right away when connected. It
// returns the queue id, which doubles as the clientMessageId on the wire.
func (o *Outbox) Send(conversationID domain.ID, content string, replyTo *domain.ID, attachments []string) string {
	id := o.queue.Enqueue(queue.QueuedMessage{
		ConversationID: conversationID,
		Content:        content,
		ReplyToID:      replyTo,
		Attachments:    attachments,
	})
	if !o.conn.IsConnected() {
		o.logger.Debug().Str("queue_id", id).Msg("offline, message queued")
		return id
	}
	entry, ok := o.queue.Get(id)
	if !ok {
		return id
	}
	if _, claimed := o.claim(id, o.clock.Now()); claimed {
		o.transmit(entry)
	}
	return id
}

// HandleEvent inspects a server event. A new-message echo carrying one of
// our ids acknowledges the entry; an error naming one makes it due for retry.
// It reports whether the event concerned the queue.
func (o *Outbox) HandleEvent(evt events.Outbound) bool {
	var clientID string
	acked := false
	switch e := evt.(type) {
	case *events.NewMessageEvent:
		clientID, acked = e.ClientMessageID, true
	case *events.ErrorEvent:
		clientID = e.ClientMessageID
	}
	if clientID == "" {
		return false
	}
	o.mu.Lock()
	delete(o.inflight, clientID)
	if acked {
		delete(o.sent, clientID)
	}
	o.mu.Unlock()
	if acked {
		return o.queue.Dequeue(clientID)
	}
	o.logger.Warn().Str("queue_id", clientID).Msg("server rejected queued message")
	return true
}

// Pending lists what is still waiting for an echo.
func (o *Outbox) Pending() []queue.QueuedMessage {
	return o.queue.All()
}

// Flush transmits every entry that is not waiting on an ack. Entries that
// were already transmitted once spend a retry attempt.
func (o *Outbox) Flush() {
	if !o.conn.IsConnected() {
		return
	}
	now := o.clock.Now()
	for _, entry := range o.queue.All() {
		resend, claimed := o.claim(entry.ID, now)
		if !claimed {
			continue
		}
		if _, queued := o.queue.Get(entry.ID); !queued {
			// Acknowledged since the snapshot.
			o.forget(entry.ID)
			continue
		}
		if resend || entry.RetryCount > 0 {
			if !o.queue.RecordRetryAttempt(entry.ID) {
				o.forget(entry.ID)
				continue
			}
		}
		o.transmit(entry)
	}
}

func (o *Outbox) transmit(entry queue.QueuedMessage) {
	payload, err := events.Encode(events.SendMessageEvent{
		ConversationID:  entry.ConversationID,
		Content:         entry.Content,
		UserID:          o.userID,
		ReplyToID:       entry.ReplyToID,
		ClientMessageID: entry.ID,
		Attachments:     entry.Attachments,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("queue_id", entry.ID).Msg("queued message cannot be encoded, dropping")
		o.queue.Dequeue(entry.ID)
		o.forget(entry.ID)
		return
	}
	if err := o.conn.Send(payload); err != nil {
		o.logger.Debug().Err(err).Str("queue_id", entry.ID).Msg("transmit failed, will retry")
		o.mu.Lock()
		delete(o.inflight, entry.ID)
		o.mu.Unlock()
	}
}

// claim marks id in flight until its ack deadline. It fails while another
// transmission of id is still waiting on its echo. resend reports whether
// id went out before.
func (o *Outbox) claim(id string, now time.Time) (resend, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if deadline, waiting := o.inflight[id]; waiting && now.Before(deadline) {
		return false, false
	}
	o.inflight[id] = now.Add(o.cfg.AckTimeout)
	resend = o.sent[id]
	o.sent[id] = true
	return resend, true
}

func (o *Outbox) forget(id string) {
	o.mu.Lock()
	delete(o.sent, id)
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Outbox) onState(state reconnect.State, connected bool) {
	if connected {
		o.Flush()
		return
	}
	// Whatever was on the wire when the link dropped is due again.
	o.mu.Lock()
	clear(o.inflight)
	o.mu.Unlock()
}

func (o *Outbox) scheduleSweep() {
	t := o.clock.AfterFunc(o.cfg.SweepInterval, o.runSweep)
	o.mu.Lock()
	o.sweep = t
	o.mu.Unlock()
}

func (o *Outbox) runSweep() {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return
	}
	o.queue.PurgeOlderThan(o.cfg.PurgeAge)
	o.Flush()
	o.scheduleSweep()
}
