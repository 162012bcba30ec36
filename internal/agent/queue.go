package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxPushAttempts caps how often one queued update is retried before
// it is dropped.
const maxPushAttempts = 5

// queuedStatus is one persisted entry.
type queuedStatus struct {
	Update   StatusUpdate `json:"update"`
	Attempts int          `json:"attempts"`
	QueuedAt time.Time    `json:"queued_at"`
}

// StatusQueue is a durable FIFO of status updates that could not be
// delivered. Entries are JSON lines; the file is fsynced on every
// append so a crash never loses an accepted update.
type StatusQueue struct {
	path string
	log  zerolog.Logger

	mu sync.Mutex
}

func NewStatusQueue(dir string, log zerolog.Logger) (*StatusQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &StatusQueue{
		path: filepath.Join(dir, "pending_status.jsonl"),
		log:  log.With().Str("component", "status_queue").Logger(),
	}, nil
}

// Push appends an update to the queue.
func (q *StatusQueue) Push(update StatusUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	raw, err := json.Marshal(queuedStatus{Update: update, QueuedAt: time.Now()})
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Len reports the number of queued entries.
func (q *StatusQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, _ := q.load()
	return len(entries)
}

func (q *StatusQueue) load() ([]queuedStatus, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []queuedStatus
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e queuedStatus
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail write from a crash; skip it.
			q.log.Warn().Err(err).Msg("dropping corrupt queue entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (q *StatusQueue) rewrite(entries []queuedStatus) error {
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(append(raw, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Drain delivers queued updates in FIFO order. Delivery stops at the
// first network failure so ordering is preserved; entries that the
// server permanently rejects or that exhaust their attempts are
// dropped.
func (q *StatusQueue) Drain(ctx context.Context, push func(context.Context, StatusUpdate) error) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load()
	if err != nil {
		q.log.Error().Err(err).Msg("load queue")
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	delivered := 0
	var remaining []queuedStatus
	for i, e := range entries {
		if err := push(ctx, e.Update); err != nil {
			e.Attempts++
			if e.Attempts >= maxPushAttempts {
				q.log.Warn().
					Str("recording_id", e.Update.RecordingID.String()).
					Int("attempts", e.Attempts).
					Msg("dropping undeliverable status update")
			} else {
				remaining = append(remaining, e)
			}
			// Keep the rest untouched for the next drain.
			remaining = append(remaining, entries[i+1:]...)
			break
		}
		delivered++
	}

	if err := q.rewrite(remaining); err != nil {
		q.log.Error().Err(err).Msg("rewrite queue")
	}
	return delivered
}
