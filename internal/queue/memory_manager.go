// -----------------------------------------------------------------------
// Memory Queue - in-process queue with the same delivery contract
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// memEntry mirrors the badger envelope for the in-memory queue.
type memEntry struct {
	msg          *models.JobMessage
	enqueuedAt   time.Time
	visibleAt    time.Time
	receiveCount int
}

// MemoryManager is an in-process queue used when durable queueing is not
// wanted, mostly in tests and throwaway environments. Ordering and
// visibility semantics match the Badger manager; durability does not.
type MemoryManager struct {
	mu                sync.Mutex
	partitions        map[models.JobKind][]*memEntry
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewMemoryManager creates an in-memory queue manager.
func NewMemoryManager(visibilityTimeout time.Duration, maxReceive int) *MemoryManager {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}
	return &MemoryManager{
		partitions:        make(map[models.JobKind][]*memEntry),
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}
}

func (m *MemoryManager) Start() error { return nil }
func (m *MemoryManager) Stop() error  { return nil }

func (m *MemoryManager) Enqueue(ctx context.Context, msg *models.JobMessage) error {
	return m.EnqueueWithDelay(ctx, msg, 0)
}

func (m *MemoryManager) EnqueueWithDelay(ctx context.Context, msg *models.JobMessage, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entries := append(m.partitions[msg.Kind], &memEntry{
		msg:        msg,
		enqueuedAt: now,
		visibleAt:  now.Add(delay),
	})
	// Higher priority first, FIFO within a priority.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].msg.Priority != entries[j].msg.Priority {
			return entries[i].msg.Priority > entries[j].msg.Priority
		}
		return entries[i].enqueuedAt.Before(entries[j].enqueuedAt)
	})
	m.partitions[msg.Kind] = entries
	return nil
}

func (m *MemoryManager) Receive(ctx context.Context, kind models.JobKind) (*models.JobMessage, interfaces.AckFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entries := m.partitions[kind]
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if entry.visibleAt.After(now) {
			continue
		}
		if entry.receiveCount >= m.maxReceive {
			m.partitions[kind] = append(entries[:i], entries[i+1:]...)
			entries = m.partitions[kind]
			i--
			continue
		}

		entry.receiveCount++
		entry.visibleAt = now.Add(m.visibilityTimeout)
		msgID := entry.msg.ID

		ack := func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			current := m.partitions[kind]
			for j, e := range current {
				if e.msg.ID == msgID {
					m.partitions[kind] = append(current[:j], current[j+1:]...)
					break
				}
			}
			return nil
		}
		return entry.msg, ack, nil
	}

	return nil, nil, models.ErrNoMessage
}

func (m *MemoryManager) Length(ctx context.Context, kind models.JobKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.partitions[kind]), nil
}

func (m *MemoryManager) Stats(ctx context.Context) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]interface{}, len(models.KnownKinds))
	for _, kind := range models.KnownKinds {
		stats[string(kind)] = len(m.partitions[kind])
	}
	return stats, nil
}
