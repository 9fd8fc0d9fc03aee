package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "job.completed", map[string]string{"jobId": "a"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "job.failed", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	if got := len(pub.Events("")); got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
	completed := pub.Events("job.completed")
	if len(completed) != 1 || completed[0].Name != "job.completed" {
		t.Fatalf("filter returned %+v", completed)
	}

	completed[0].Name = "modified"
	if pub.Events("job.completed")[0].Name == "modified" {
		t.Fatal("expected Events() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("boom")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "job.completed", nil); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "job.completed", nil); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if got := len(pub.Events("")); got != 1 {
		t.Fatalf("failed publishes must not be recorded, got %d events", got)
	}
}
