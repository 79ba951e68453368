package audit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRecorderEvictsOldest(t *testing.T) {
	t.Parallel()

	rec := NewMemoryRecorder(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := rec.Record(ctx, Record{WorkerID: "base:0xabc", CycleNumber: i}); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	list, err := rec.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	for i, want := range []int{5, 4, 3} {
		if list[i].CycleNumber != want {
			t.Fatalf("record %d: expected cycle %d, got %d", i, want, list[i].CycleNumber)
		}
	}
}

func TestMemoryRecorderFiltersByWorker(t *testing.T) {
	t.Parallel()

	rec := NewMemoryRecorder(10)
	ctx := context.Background()
	now := time.Now()
	_ = rec.Record(ctx, Record{WorkerID: "base:0xa", CycleNumber: 1, RecordedAt: now})
	_ = rec.Record(ctx, Record{WorkerID: "base:0xb", CycleNumber: 1, RecordedAt: now})
	_ = rec.Record(ctx, Record{WorkerID: "base:0xa", CycleNumber: 2, RecordedAt: now})

	list, err := rec.Recent(ctx, "base:0xa", 1)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(list) != 1 || list[0].CycleNumber != 2 {
		t.Fatalf("unexpected records: %+v", list)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{Driver: "sqlite"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	rec, err := Open(context.Background(), Config{Driver: "memory", Capacity: 5})
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	if _, ok := rec.(*MemoryRecorder); !ok {
		t.Fatalf("expected memory recorder, got %T", rec)
	}
}
