// Package presence tracks which users are online in a room. Counts are kept
// per (room, user) so a user with two connections stays online until both
// have left.
package presence

import (
	"context"
	"sort"
	"sync"
)

// Tracker is implemented by the in-memory and Redis backends.
type Tracker interface {
	// Join increments the user's count in room and returns the new count.
	Join(ctx context.Context, room, user string) (int, error)
	// Leave decrements the user's count in room and returns what is left.
	Leave(ctx context.Context, room, user string) (int, error)
	// Online lists users with a positive count in room, sorted.
	Online(ctx context.Context, room string) ([]string, error)
}

// Memory is the default single-process Tracker.
type Memory struct {
	mu     sync.Mutex
	online map[string]map[string]int
}

var _ Tracker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{online: make(map[string]map[string]int)}
}

func (m *Memory) Join(_ context.Context, room, user string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.online[room]
	if !ok {
		users = make(map[string]int)
		m.online[room] = users
	}
	users[user]++
	return users[user], nil
}

func (m *Memory) Leave(_ context.Context, room, user string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.online[room]
	if !ok {
		return 0, nil
	}
	count, ok := users[user]
	if !ok {
		return 0, nil
	}
	if count <= 1 {
		delete(users, user)
		if len(users) == 0 {
			delete(m.online, room)
		}
		return 0, nil
	}
	users[user] = count - 1
	return count - 1, nil
}

func (m *Memory) Online(_ context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.online[room]))
	for user := range m.online[room] {
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// ActiveRooms is the number of rooms with at least one online user.
func (m *Memory) ActiveRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.online)
}
