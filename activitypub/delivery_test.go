package activitypub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/domain"
)

type fakeDeliverer struct {
	failing  map[string]bool
	attempts map[string]int
}

func newFakeDeliverer(failing ...string) *fakeDeliverer {
	f := &fakeDeliverer{
		failing:  make(map[string]bool),
		attempts: make(map[string]int),
	}
	for _, inbox := range failing {
		f.failing[inbox] = true
	}
	return f
}

func (f *fakeDeliverer) Deliver(ctx context.Context, inboxURI string, payload []byte) error {
	f.attempts[inboxURI]++
	if f.failing[inboxURI] {
		return errors.New("connection refused")
	}
	return nil
}

func setupWorker(t *testing.T, deliverer Deliverer) *Worker {
	database, err := db.NewDB(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewWorker(database, deliverer)
}

func enqueue(t *testing.T, w *Worker, inboxURI string, n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		item := &domain.OutboundActivity{
			Id:           uuid.New(),
			InboxURI:     inboxURI,
			ActivityJSON: `{"type":"Create"}`,
			DelayUntil:   now,
			CreatedAt:    now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := w.DB.EnqueueDelivery(item); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}
}

func queueSize(t *testing.T, w *Worker) int {
	err, items := w.DB.ReadDeliveryBatch(1000, nil)
	if err != nil {
		t.Fatalf("Failed to read queue: %v", err)
	}
	if items == nil {
		return 0
	}
	return len(*items)
}

func TestDrainDeliversAndDeletes(t *testing.T) {
	deliverer := newFakeDeliverer()
	worker := setupWorker(t, deliverer)

	enqueue(t, worker, "https://good.example/inbox", 3)
	worker.Drain(context.Background())

	if deliverer.attempts["https://good.example/inbox"] != 3 {
		t.Errorf("Expected 3 deliveries, got %d", deliverer.attempts["https://good.example/inbox"])
	}
	if size := queueSize(t, worker); size != 0 {
		t.Errorf("Queue should be empty after drain, has %d items", size)
	}
}

// One unreachable destination must neither block nor burn attempts on other
// destinations, and costs exactly one attempt per pass.
func TestDrainIsolatesFailingDestination(t *testing.T) {
	deliverer := newFakeDeliverer("https://down.example/inbox")
	worker := setupWorker(t, deliverer)

	enqueue(t, worker, "https://down.example/inbox", 5)
	enqueue(t, worker, "https://good.example/inbox", 5)

	worker.Drain(context.Background())

	if deliverer.attempts["https://down.example/inbox"] != 1 {
		t.Errorf("Expected one attempt on the bad destination, got %d",
			deliverer.attempts["https://down.example/inbox"])
	}
	if deliverer.attempts["https://good.example/inbox"] != 5 {
		t.Errorf("Expected all 5 deliveries to the good destination, got %d",
			deliverer.attempts["https://good.example/inbox"])
	}
	if size := queueSize(t, worker); size != 5 {
		t.Errorf("Failed items should stay queued, has %d items", size)
	}
}

func TestDrainHonorsBackoff(t *testing.T) {
	deliverer := newFakeDeliverer()
	worker := setupWorker(t, deliverer)

	item := &domain.OutboundActivity{
		Id:           uuid.New(),
		InboxURI:     "https://slow.example/inbox",
		ActivityJSON: `{"type":"Create"}`,
		DelayUntil:   time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}
	if err := worker.DB.EnqueueDelivery(item); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	worker.Drain(context.Background())

	if deliverer.attempts["https://slow.example/inbox"] != 0 {
		t.Error("Items inside their backoff window must not be attempted")
	}
	if size := queueSize(t, worker); size != 1 {
		t.Errorf("Backed-off item should stay queued, has %d items", size)
	}
}

func TestDrainFailureSetsRetryDelay(t *testing.T) {
	deliverer := newFakeDeliverer("https://down.example/inbox")
	worker := setupWorker(t, deliverer)

	enqueue(t, worker, "https://down.example/inbox", 1)
	before := time.Now()
	worker.Drain(context.Background())

	err, items := worker.DB.ReadDeliveryBatch(10, nil)
	if err != nil || items == nil || len(*items) != 1 {
		t.Fatalf("Expected the failed item to remain queued")
	}
	delay := (*items)[0].DelayUntil
	if delay.Before(before.Add(worker.RetryDelay - time.Minute)) {
		t.Errorf("Expected retry delay of ~%s, got %s", worker.RetryDelay, delay.Sub(before))
	}
}
