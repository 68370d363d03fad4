package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/storage"
)

func TestEnqueueListDequeue(t *testing.T) {
	q := New(&Memory{})
	id1 := q.Enqueue(QueuedMessage{ConversationID: 1, Content: "one"})
	id2 := q.Enqueue(QueuedMessage{ConversationID: 2, Content: "two"})
	id3 := q.Enqueue(QueuedMessage{ConversationID: 1, Content: "three", Attachments: []string{"a.png"}})
	require.NotEqual(t, id1, id3)

	conv1 := q.ListForConversation(1)
	require.Len(t, conv1, 2)
	assert.Equal(t, "one", conv1[0].Content)
	assert.Equal(t, []string{"a.png"}, conv1[1].Attachments)
	assert.Equal(t, 0, conv1[0].RetryCount)
	assert.Equal(t, MaxRetries, conv1[0].MaxRetries)

	conv1[0].Content = "mutated"
	got, ok := q.Get(id1)
	require.True(t, ok)
	assert.Equal(t, "one", got.Content, "list returns a copy")

	assert.True(t, q.Dequeue(id2))
	assert.False(t, q.Dequeue(id2))
	assert.Empty(t, q.ListForConversation(2))
	assert.Equal(t, 2, q.Len())
}

func TestRecordRetryAttemptDropsAtMax(t *testing.T) {
	var exhausted []QueuedMessage
	q := New(&Memory{}, WithOnExhausted(func(m QueuedMessage) { exhausted = append(exhausted, m) }))
	id := q.Enqueue(QueuedMessage{ConversationID: 1, Content: "flaky"})

	assert.True(t, q.RecordRetryAttempt(id))
	assert.True(t, q.RecordRetryAttempt(id))
	got, _ := q.Get(id)
	assert.Equal(t, 2, got.RetryCount)

	assert.False(t, q.RecordRetryAttempt(id), "third attempt exhausts the entry")
	_, ok := q.Get(id)
	assert.False(t, ok)
	require.Len(t, exhausted, 1)
	assert.Equal(t, id, exhausted[0].ID)
	assert.Equal(t, MaxRetries, exhausted[0].RetryCount)

	assert.False(t, q.RecordRetryAttempt(id), "unknown id")
	assert.Len(t, exhausted, 1, "hook fires exactly once")
}

func TestPurgeOlderThan(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := New(&Memory{}, WithNow(func() time.Time { return now }))
	q.Enqueue(QueuedMessage{ConversationID: 1, Content: "stale", EnqueuedAt: now.Add(-25 * time.Hour)})
	fresh := q.Enqueue(QueuedMessage{ConversationID: 1, Content: "fresh"})

	assert.Equal(t, 1, q.PurgeOlderThan(24*time.Hour))
	all := q.All()
	require.Len(t, all, 1)
	assert.Equal(t, fresh, all[0].ID)
	assert.Equal(t, 0, q.PurgeOlderThan(24*time.Hour))
}

func TestConcurrentMutationsDoNotLoseUpdates(t *testing.T) {
	q := New(&Memory{})
	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- q.Enqueue(QueuedMessage{ConversationID: 1, Content: "x"})
		}()
	}
	wg.Wait()
	close(ids)
	assert.Equal(t, 50, q.Len())

	var removers sync.WaitGroup
	for id := range ids {
		removers.Add(1)
		go func(id string) {
			defer removers.Done()
			q.Dequeue(id)
		}(id)
	}
	removers.Wait()
	assert.Equal(t, 0, q.Len())
}

type brokenStorage struct {
	loadErr error
	saveErr error
	saved   int
}

func (b *brokenStorage) Load() ([]byte, error) { return nil, b.loadErr }

func (b *brokenStorage) Save([]byte) error {
	b.saved++
	return b.saveErr
}

func TestStorageFailuresFailOpen(t *testing.T) {
	st := &brokenStorage{loadErr: errors.New("corrupt"), saveErr: errors.New("read-only")}
	q := New(st)

	id := q.Enqueue(QueuedMessage{ConversationID: 1, Content: "hi"})
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, st.saved, "write attempted despite failure")
	assert.Empty(t, q.All(), "unreadable storage looks empty")
	assert.False(t, q.RecordRetryAttempt(id))
}

func TestCorruptBlobIsTreatedAsEmpty(t *testing.T) {
	mem := &Memory{}
	require.NoError(t, mem.Save([]byte(`{not json`)))
	q := New(mem)
	assert.Empty(t, q.All())
	q.Enqueue(QueuedMessage{ConversationID: 3, Content: "recovers"})
	assert.Len(t, q.All(), 1)
}

func TestQueueSurvivesRestartOnSQLite(t *testing.T) {
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	reply := domain.ID(9)
	first := New(store.KeyValue("offline_queue", time.Second))
	id := first.Enqueue(QueuedMessage{ConversationID: 4, Content: "persisted", ReplyToID: &reply})

	second := New(store.KeyValue("offline_queue", time.Second))
	got, ok := second.Get(id)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Content)
	require.NotNil(t, got.ReplyToID)
	assert.Equal(t, reply, *got.ReplyToID)
}
