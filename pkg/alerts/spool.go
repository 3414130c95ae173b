package alerts

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	spoolBucket    = "alerts"
	spoolTimeout   = 2 * time.Second
	spoolRetention = 24 * time.Hour
)

type spooledAlert struct {
	Timestamp int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Spool is a durable FIFO of alerts that could not be delivered. The bolt
// file is opened per operation so it is never held between flushes.
type Spool struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewSpool returns a spool stored at path.
func NewSpool(path string) *Spool {
	return &Spool{path: path, now: time.Now}
}

// Append stores an alert and prunes entries past retention.
func (s *Spool) Append(a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	wrapped, err := json.Marshal(spooledAlert{Timestamp: s.now().UnixMilli(), Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode spool entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(spoolBucket))
		if err != nil {
			return fmt.Errorf("failed to create spool bucket: %w", err)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate spool sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := bucket.Put(key, wrapped); err != nil {
			return fmt.Errorf("failed to write spool entry: %w", err)
		}
		return s.pruneLocked(bucket)
	})
}

// Flush hands spooled alerts to send in insertion order. Sent, expired and
// undecodable entries are removed. It stops at the first send error and
// returns the number sent.
func (s *Spool) Flush(send func(Alert) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return 0, nil
	}
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var (
		sent    int
		sendErr error
	)
	cutoff := s.now().Add(-spoolRetention).UnixMilli()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(spoolBucket))
		if bucket == nil {
			return nil
		}

		var done [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item spooledAlert
			var a Alert
			if json.Unmarshal(v, &item) != nil || json.Unmarshal(item.Payload, &a) != nil || item.Timestamp < cutoff {
				done = append(done, append([]byte(nil), k...))
				continue
			}
			if sendErr = send(a); sendErr != nil {
				break
			}
			done = append(done, append([]byte(nil), k...))
			sent++
		}
		for _, k := range done {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete spool entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return sent, err
	}
	return sent, sendErr
}

// Len returns the number of spooled alerts.
func (s *Spool) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return 0, nil
	}
	db, err := s.open()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	n := 0
	err = db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(spoolBucket)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

func (s *Spool) pruneLocked(bucket *bolt.Bucket) error {
	cutoff := s.now().Add(-spoolRetention).UnixMilli()
	var expired [][]byte
	c := bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var item spooledAlert
		if err := json.Unmarshal(v, &item); err == nil && item.Timestamp >= cutoff {
			break
		}
		expired = append(expired, append([]byte(nil), k...))
	}
	for _, k := range expired {
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("failed to delete expired spool entry: %w", err)
		}
	}
	return nil
}

func (s *Spool) open() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: spoolTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open alert spool: %w", err)
	}
	return db, nil
}
