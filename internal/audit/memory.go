package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity 是内存记录器默认保留的记录数。
const DefaultMemoryCapacity = 1000

// MemoryRecorder 在内存中保存固定数量的审计记录，超出容量时丢弃最旧的记录。
type MemoryRecorder struct {
	mu       sync.RWMutex
	records  []Record
	next     int
	full     bool
	capacity int
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder 创建内存记录器。
func NewMemoryRecorder(capacity int) *MemoryRecorder {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryRecorder{records: make([]Record, capacity), capacity: capacity}
}

// Record 追加一条记录。
func (m *MemoryRecorder) Record(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[m.next] = record
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent 返回最近的记录。
func (m *MemoryRecorder) Recent(_ context.Context, workerID string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	size := m.next
	if m.full {
		size = m.capacity
	}
	out := make([]Record, 0, min(limit, size))
	for i := 0; i < size && len(out) < limit; i++ {
		idx := (m.next - 1 - i + m.capacity) % m.capacity
		record := m.records[idx]
		if workerID != "" && record.WorkerID != workerID {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// Close 对内存记录器无操作。
func (m *MemoryRecorder) Close() error { return nil }
