package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/platform/rabbitmq"
)

const (
	RoutingKeyDetected      = "incident.detected"
	RoutingKeyDetectedBatch = "incident.detected.batch"
)

// DetectionBatch is the feed's multi-incident message.
type DetectionBatch struct {
	Accidents []DetectedReport `json:"accidents"`
}

// FeedCallbacks wires the detection feed to the router. Malformed messages
// are dropped, duplicates and discarded detections are acked, and anything
// else that fails is requeued.
func FeedCallbacks(r *Router, timeout time.Duration) map[string]rabbitmq.CallbackFunc {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return map[string]rabbitmq.CallbackFunc{
		RoutingKeyDetected: func(msg *rabbitmq.Message) error {
			var d DetectedReport
			if err := json.Unmarshal(msg.Body, &d); err != nil {
				return rabbitmq.Permanent(fmt.Errorf("decode detection: %w", err))
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			out, err := r.SubmitDetected(ctx, d)
			return settle(out, err)
		},
		RoutingKeyDetectedBatch: func(msg *rabbitmq.Message) error {
			var batch DetectionBatch
			if err := json.Unmarshal(msg.Body, &batch); err != nil {
				return rabbitmq.Permanent(fmt.Errorf("decode detection batch: %w", err))
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			// Requeueing the whole batch is safe: accepted entries come back as duplicates.
			var transient error
			for _, out := range r.SubmitDetectedBatch(ctx, batch.Accidents) {
				err := settle(out, out.Err())
				var perr *rabbitmq.PermanentError
				if errors.As(err, &perr) {
					log.WithField("source_ref", out.SourceRef).WithError(err).Warn("detection rejected")
					continue
				}
				if err != nil && transient == nil {
					transient = err
				}
			}
			return transient
		},
	}
}

func settle(out Outcome, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, emergency.ErrDuplicateIncident):
		log.WithField("source_ref", out.SourceRef).Info("duplicate detection acknowledged")
		return nil
	case errors.Is(err, emergency.ErrInvalidIncident):
		return rabbitmq.Permanent(err)
	default:
		return err
	}
}
