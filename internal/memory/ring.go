package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ring 是容量固定的进程内记忆，写满后覆盖最旧的记录。
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewRing 创建容量为 capacity 的 Ring。
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 200
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Remember 写入一条记录，缺失的 ID 与时间会被补全。
func (r *Ring) Remember(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Source = SourceRing
	entry.Tags = append([]string(nil), entry.Tags...)

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return nil
}

// Recall 按关键词命中率返回记录。
func (r *Ring) Recall(_ context.Context, q Query) ([]Entry, error) {
	return rank(r.snapshot(), q), nil
}

// Len 返回当前保存的记录数。
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

func (r *Ring) snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]Entry(nil), r.entries[:r.next]...)
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

var _ Store = (*Ring)(nil)
