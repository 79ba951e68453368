package worker

// logRing 是固定容量的周期日志缓冲区，满后覆盖最旧的条目。
type logRing struct {
	items []CycleLog
	start int
	size  int
}

func newLogRing(capacity int) *logRing {
	return &logRing{items: make([]CycleLog, capacity)}
}

func (r *logRing) push(entry CycleLog) {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = entry
		r.size++
		return
	}
	r.items[r.start] = entry
	r.start = (r.start + 1) % capacity
}

// snapshot 按旧到新的顺序返回深拷贝。
func (r *logRing) snapshot() []CycleLog {
	out := make([]CycleLog, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)].clone())
	}
	return out
}
