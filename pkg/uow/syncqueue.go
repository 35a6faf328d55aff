package uow

import (
	"log/slog"
	"sync"
	"time"
)

// SyncQueue receives the raw bytes of every committed file for eventual
// upload. Enqueue must never block a commit; implementations drop work
// rather than stall.
type SyncQueue interface {
	// Enqueue records a persisted file. A nil data slice marks a deletion.
	Enqueue(path string, data []byte)
}

// QueuedFile is one pending upload.
type QueuedFile struct {
	Path     string
	Data     []byte
	Deleted  bool
	QueuedAt time.Time
}

// NopSyncQueue discards everything. Used when cloud sync is disabled.
type NopSyncQueue struct{}

// Enqueue implements SyncQueue.
func (NopSyncQueue) Enqueue(string, []byte) {}

// MemorySyncQueue buffers pending uploads in memory, dropping the oldest
// entry when full. An uploader drains it out-of-band.
type MemorySyncQueue struct {
	mu      sync.Mutex
	pending []QueuedFile
	max     int
}

// NewMemorySyncQueue creates a queue holding at most max entries.
func NewMemorySyncQueue(max int) *MemorySyncQueue {
	if max <= 0 {
		max = 1024
	}
	return &MemorySyncQueue{max: max}
}

// Enqueue implements SyncQueue.
func (q *MemorySyncQueue) Enqueue(path string, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.max {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		slog.Warn("Sync queue full, dropping oldest entry", "path", dropped.Path)
	}
	q.pending = append(q.pending, QueuedFile{
		Path:     path,
		Data:     data,
		Deleted:  data == nil,
		QueuedAt: time.Now(),
	})
}

// Drain removes and returns everything currently queued.
func (q *MemorySyncQueue) Drain() []QueuedFile {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.pending
	q.pending = nil
	return drained
}

// Len reports the number of queued entries.
func (q *MemorySyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
