// Package storage is a local on-disk cache of merged thread logs, so a
// restarted client renders the backlog instantly and reconciles with the
// server on reconnect. It is strictly client-side state.
package storage

import (
	"errors"
	"fmt"
	"time"

	"converse/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketThreads  = []byte("threads")
	bucketMessages = []byte("messages")
)

type Cache struct {
	db *bbolt.DB
}

func NewCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketThreads); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// PutMessages stores messages under their thread and advances the thread's
// last-activity marker.
func (c *Cache) PutMessages(threadID string, messages []models.Message) error {
	if threadID == "" {
		return errors.New("message missing threadID")
	}
	if len(messages) == 0 {
		return nil
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		threadBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(threadID))
		if err != nil {
			return fmt.Errorf("failed to create thread bucket: %w", err)
		}

		var lastActivity int64
		for _, m := range messages {
			dbMsg := DBMessage{
				ID:          m.ID,
				ThreadID:    threadID,
				SenderID:    m.SenderID,
				Content:     m.Content,
				ContentType: string(m.ContentType),
				CreatedAt:   m.CreatedAt.UnixNano(),
			}
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := threadBucket.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
			if dbMsg.CreatedAt > lastActivity {
				lastActivity = dbMsg.CreatedAt
			}
		}

		threads := tx.Bucket(bucketThreads)
		dbThread := DBThread{ID: threadID, LastActivity: lastActivity}
		if data := threads.Get(dbThread.Key()); data != nil {
			var existing DBThread
			if err := existing.UnmarshalBinary(data); err == nil && existing.LastActivity > lastActivity {
				dbThread.LastActivity = existing.LastActivity
			}
		}
		data, err := dbThread.MarshalBinary()
		if err != nil {
			return err
		}
		return threads.Put(dbThread.Key(), data)
	})
}

// ListMessages returns a thread's cached messages in creation order.
func (c *Cache) ListMessages(threadID string) ([]models.Message, error) {
	var messages []models.Message
	err := c.db.View(func(tx *bbolt.Tx) error {
		threadBucket := tx.Bucket(bucketMessages).Bucket([]byte(threadID))
		if threadBucket == nil {
			return nil // no cached messages for this thread
		}
		return threadBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:          dbMsg.ID,
				ThreadID:    dbMsg.ThreadID,
				SenderID:    dbMsg.SenderID,
				Content:     dbMsg.Content,
				ContentType: models.ContentType(dbMsg.ContentType),
				CreatedAt:   time.Unix(0, dbMsg.CreatedAt).UTC(),
			})
			return nil
		})
	})
	return messages, err
}

// Threads returns the ids of all cached threads.
func (c *Cache) Threads() ([]string, error) {
	var ids []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketThreads).ForEach(func(k, v []byte) error {
			var dbThread DBThread
			if err := dbThread.UnmarshalBinary(v); err != nil {
				return err
			}
			ids = append(ids, dbThread.ID)
			return nil
		})
	})
	return ids, err
}
