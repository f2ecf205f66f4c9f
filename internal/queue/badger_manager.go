// -----------------------------------------------------------------------
// Badger Queue - durable per-kind job queue with priority and visibility
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// queueEnvelope wraps a job message with delivery bookkeeping.
type queueEnvelope struct {
	Msg          *models.JobMessage `json:"msg"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
	VisibleAt    time.Time          `json:"visible_at"`
	ReceiveCount int                `json:"receive_count"`
}

// BadgerManager implements a persistent per-kind queue on BadgerDB. Each
// kind is an independent partition; within a partition the index key sorts
// by (inverted priority, visible-at, id), which yields higher-priority
// first and FIFO within a priority.
type BadgerManager struct {
	db                *badger.DB
	logger            arbor.ILogger
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewBadgerManager creates a Badger-backed queue manager. The DB is shared
// with the job store and managed externally.
func NewBadgerManager(db *badger.DB, logger arbor.ILogger, visibilityTimeout time.Duration, maxReceive int) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}
	return &BadgerManager{
		db:                db,
		logger:            logger,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

func (m *BadgerManager) Start() error { return nil }
func (m *BadgerManager) Stop() error  { return nil }

// Enqueue adds a message to its kind partition, immediately visible.
func (m *BadgerManager) Enqueue(ctx context.Context, msg *models.JobMessage) error {
	return m.EnqueueWithDelay(ctx, msg, 0)
}

// EnqueueWithDelay adds a message that becomes visible after the delay.
func (m *BadgerManager) EnqueueWithDelay(ctx context.Context, msg *models.JobMessage, delay time.Duration) error {
	if msg == nil || msg.ID == "" {
		return errors.New("queue message with id is required")
	}
	if !models.IsKnownKind(msg.Kind) {
		return fmt.Errorf("unknown queue partition: %s", msg.Kind)
	}

	now := time.Now()
	env := queueEnvelope{
		Msg:        msg,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue envelope: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.Kind, msg.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.Kind, msg.Priority, env.VisibleAt, msg.ID), []byte{})
	})
}

// Receive pulls the highest-priority visible message from the kind's
// partition. The returned AckFunc deletes the message; an unacknowledged
// message reappears after the visibility timeout.
func (m *BadgerManager) Receive(ctx context.Context, kind models.JobKind) (*models.JobMessage, interfaces.AckFunc, error) {
	var env queueEnvelope
	var msgID string
	var priority int
	var oldIndexKey []byte
	found := false

	// The closure returns nil on an empty partition rather than a sentinel
	// error: poison and dangling-index deletions made while scanning must
	// commit, and an error return would roll them back.
	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := indexPrefix(kind)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found = false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			prio, visibleAt, id, err := parseIndexKey(kind, key)
			if err != nil {
				continue
			}
			// A higher-priority message that is not yet visible sorts ahead
			// of visible lower-priority ones, so skip rather than stop.
			if visibleAt.After(now) {
				continue
			}

			item, err := txn.Get(msgKey(kind, id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Dangling index entry, clean it up.
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			if env.ReceiveCount >= m.maxReceive {
				// Poison message: drop it so it cannot loop forever. The
				// worker's visibility redelivery already retried it.
				m.logger.Warn().
					Str("queue", string(kind)).
					Str("job_id", env.Msg.JobID).
					Int("receive_count", env.ReceiveCount).
					Msg("Dropping message past max receive count")
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey(kind, id)); err != nil {
					return err
				}
				continue
			}

			found = true
			msgID = id
			priority = prio
			oldIndexKey = key
			break
		}

		if !found {
			return nil
		}

		env.ReceiveCount++
		env.VisibleAt = time.Now().Add(m.visibilityTimeout)

		newData, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(kind, msgID), newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(indexKey(kind, priority, env.VisibleAt, msgID), []byte{})
	})
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, models.ErrNoMessage
	}

	ack := func() error {
		return m.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(msgKey(kind, msgID))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					return nil // already acknowledged
				}
				return err
			}

			var current queueEnvelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}

			idxKey := indexKey(kind, current.Msg.Priority, current.VisibleAt, msgID)
			if err := txn.Delete(idxKey); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			return txn.Delete(msgKey(kind, msgID))
		})
	}

	return env.Msg, ack, nil
}

// Length counts messages in a kind's partition, visible or not.
func (m *BadgerManager) Length(ctx context.Context, kind models.JobKind) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := indexPrefix(kind)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Stats returns per-partition depths.
func (m *BadgerManager) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{}, len(models.KnownKinds))
	for _, kind := range models.KnownKinds {
		n, err := m.Length(ctx, kind)
		if err != nil {
			return nil, err
		}
		stats[string(kind)] = n
	}
	return stats, nil
}

// Key helpers.
//
// Data:  queue:{kind}:msg:{id}
// Index: queue:{kind}:index:{255-priority:03d}:{visibleAtNano:020d}:{id}
//
// Inverting priority makes larger priorities sort first under the
// ascending byte iteration.

func msgKey(kind models.JobKind, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", kind, id))
}

func indexPrefix(kind models.JobKind) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", kind))
}

func indexKey(kind models.JobKind, priority int, visibleAt time.Time, id string) []byte {
	inverted := 255 - clampPriority(priority)
	return []byte(fmt.Sprintf("queue:%s:index:%03d:%020d:%s", kind, inverted, visibleAt.UnixNano(), id))
}

func clampPriority(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority > 255 {
		return 255
	}
	return priority
}

func parseIndexKey(kind models.JobKind, key []byte) (priority int, visibleAt time.Time, id string, err error) {
	prefix := indexPrefix(kind)
	if len(key) <= len(prefix) {
		return 0, time.Time{}, "", fmt.Errorf("invalid index key length")
	}
	suffix := string(key[len(prefix):])
	// Suffix is "{3-digit-inverted-prio}:{20-digit-ts}:{id}"
	if len(suffix) < 3+1+20+1 {
		return 0, time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var inverted int
	if _, err := fmt.Sscanf(suffix[:3], "%d", &inverted); err != nil {
		return 0, time.Time{}, "", err
	}
	var ts int64
	if _, err := fmt.Sscanf(suffix[4:24], "%d", &ts); err != nil {
		return 0, time.Time{}, "", err
	}

	return 255 - inverted, time.Unix(0, ts), suffix[25:], nil
}
