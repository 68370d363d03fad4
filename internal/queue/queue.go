// Package queue holds messages composed on the client until the server has
// echoed them back. The whole collection lives in one storage blob and every
// mutation is a read-modify-write under a single mutex.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/log"
)

// MaxRetries is the number of retry attempts after which an entry is dropped.
const MaxRetries = 3

// Storage persists the serialized queue. storage.KeyValue implements it for
// SQLite; Memory is used in tests and when no file is configured.
type Storage interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// QueuedMessage is one unsent or unacknowledged message.
type QueuedMessage struct {
	ID             string     `json:"id"`
	ConversationID domain.ID  `json:"conversationId"`
	Content        string     `json:"content"`
	Attachments    []string   `json:"attachments,omitempty"`
	ReplyToID      *domain.ID `json:"replyToId,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maxRetries"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithOnExhausted registers a hook called once for every entry dropped
// after reaching MaxRetries. It runs without the queue lock held.
func WithOnExhausted(fn func(QueuedMessage)) Option {
	return func(q *Queue) { q.onExhausted = fn }
}

// WithNow overrides the clock used for EnqueuedAt and PurgeOlderThan.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

type Queue struct {
	mu          sync.Mutex
	storage     Storage
	onExhausted func(QueuedMessage)
	now         func() time.Time
	logger      zerolog.Logger
}

func New(storage Storage, opts ...Option) *Queue {
	q := &Queue{
		storage: storage,
		now:     time.Now,
		logger:  log.L().With().Str(log.FieldService, "queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores msg with a fresh id and a zero retry count and returns the id.
func (q *Queue) Enqueue(msg QueuedMessage) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg.ID = uuid.NewString()
	msg.RetryCount = 0
	msg.MaxRetries = MaxRetries
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}
	items := q.load()
	items = append(items, msg)
	q.save(items)
	return msg.ID
}

// Dequeue removes the entry with id. It reports whether one was removed.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.load()
	kept := items[:0]
	removed := false
	for _, item := range items {
		if item.ID == id {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if removed {
		q.save(kept)
	}
	return removed
}

// Get returns the entry with id.
func (q *Queue) Get(id string) (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.load() {
		if item.ID == id {
			return item, true
		}
	}
	return QueuedMessage{}, false
}

// ListForConversation returns a copy of the entries for one conversation,
// oldest first.
func (q *Queue) ListForConversation(conversationID domain.ID) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []QueuedMessage
	for _, item := range q.load() {
		if item.ConversationID == conversationID {
			out = append(out, item)
		}
	}
	return out
}

// All returns every entry, oldest first.
func (q *Queue) All() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

func (q *Queue) Len() int {
	return len(q.All())
}

// RecordRetryAttempt bumps the retry count of id. It returns true when the
// caller may retry. When the count reaches MaxRetries the entry is removed,
// the exhausted hook fires and false is returned. Unknown ids return false.
func (q *Queue) RecordRetryAttempt(id string) bool {
	q.mu.Lock()
	items := q.load()
	idx := -1
	for i := range items {
		if items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	items[idx].RetryCount++
	entry := items[idx]
	limit := entry.MaxRetries
	if limit <= 0 {
		limit = MaxRetries
	}
	if entry.RetryCount < limit {
		q.save(items)
		q.mu.Unlock()
		return true
	}
	items = append(items[:idx], items[idx+1:]...)
	q.save(items)
	q.mu.Unlock()

	q.logger.Warn().Str("queue_id", entry.ID).Int64(log.FieldConversationID, int64(entry.ConversationID)).
		Int("retries", entry.RetryCount).Msg("queued message dropped after max retries")
	if q.onExhausted != nil {
		q.onExhausted(entry)
	}
	return false
}

// PurgeOlderThan drops entries enqueued more than age ago and returns how
// many were removed.
func (q *Queue) PurgeOlderThan(age time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-age)
	items := q.load()
	kept := items[:0]
	for _, item := range items {
		if item.EnqueuedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, item)
	}
	purged := len(items) - len(kept)
	if purged > 0 {
		q.save(kept)
		q.logger.Info().Int("purged", purged).Msg("purged stale queued messages")
	}
	return purged
}

// load reads the stored collection. Read or decode failures are logged and
// yield an empty queue.
func (q *Queue) load() []QueuedMessage {
	data, err := q.storage.Load()
	if err != nil {
		q.logger.Error().Err(err).Msg("read offline queue")
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var items []QueuedMessage
	if err := json.Unmarshal(data, &items); err != nil {
		q.logger.Error().Err(err).Msg("decode offline queue")
		return nil
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].EnqueuedAt.Before(items[j].EnqueuedAt) })
	return items
}

func (q *Queue) save(items []QueuedMessage) {
	if items == nil {
		items = []QueuedMessage{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		q.logger.Error().Err(err).Msg("encode offline queue")
		return
	}
	if err := q.storage.Save(data); err != nil {
		q.logger.Error().Err(err).Msg("write offline queue")
	}
}

// Memory is an in-process Storage.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *Memory) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

func (m *Memory) Save(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}
