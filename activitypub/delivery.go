package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/metrics"
	"github.com/halbroth/gallipub/util"
)

// Deliverer pushes one serialized activity to one inbox.
type Deliverer interface {
	Deliver(ctx context.Context, inboxURI string, payload []byte) error
}

// HTTPDeliverer signs and POSTs activities.
type HTTPDeliverer struct {
	Client *http.Client
	Signer Signer
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, inboxURI string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inboxURI, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := SignRequest(req, payload, d.Signer); err != nil {
		return err
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return nil
}

// Worker drains the durable delivery queue with per-destination failure
// isolation: within one pass, the first failure or pending backoff marks the
// whole destination bad, so one unreachable inbox costs one attempt per
// drain instead of one per queued item.
type Worker struct {
	DB         *db.DB
	Deliverer  Deliverer
	Now        func() time.Time
	BatchSize  int
	RetryDelay time.Duration
}

func NewWorker(database *db.DB, deliverer Deliverer) *Worker {
	return &Worker{
		DB:         database,
		Deliverer:  deliverer,
		Now:        time.Now,
		BatchSize:  100,
		RetryDelay: 4 * time.Hour,
	}
}

// Drain processes batches until the queue yields nothing more this pass.
func (w *Worker) Drain(ctx context.Context) {
	badInboxes := make(map[string]bool)

	for {
		excluded := make([]string, 0, len(badInboxes))
		for inbox := range badInboxes {
			excluded = append(excluded, inbox)
		}

		err, items := w.DB.ReadDeliveryBatch(w.BatchSize, excluded)
		if err != nil {
			log.Printf("DeliveryWorker: Failed to read queue: %v", err)
			return
		}
		if items == nil || len(*items) == 0 {
			return
		}

		for _, item := range *items {
			if badInboxes[item.InboxURI] {
				continue
			}

			if item.DelayUntil.After(w.Now()) {
				// Still backing off; skip every other item for this
				// destination in the same pass
				badInboxes[item.InboxURI] = true
				continue
			}

			if err := w.Deliverer.Deliver(ctx, item.InboxURI, []byte(item.ActivityJSON)); err != nil {
				log.Printf("DeliveryWorker: Delivery to %s failed, retry in %s: %v",
					item.InboxURI, w.RetryDelay, err)
				if err := w.DB.UpdateDeliveryDelay(item.Id, w.Now().Add(w.RetryDelay)); err != nil {
					log.Printf("DeliveryWorker: Failed to persist delay for %s: %v", item.Id, err)
				}
				badInboxes[item.InboxURI] = true
				metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
				continue
			}

			if err := w.DB.DeleteDelivery(item.Id); err != nil {
				log.Printf("DeliveryWorker: Failed to delete delivered item %s: %v", item.Id, err)
			}
			metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
		}
	}
}

// StartDeliveryWorker drains the queue on a fixed cadence until the context
// is cancelled.
func StartDeliveryWorker(ctx context.Context, worker *Worker, interval time.Duration) {
	log.Println("Starting ActivityPub delivery worker...")

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				worker.Drain(ctx)
			}
		}
	}()
}
