package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/metrics"
)

// ErrRejected is returned when a sink answers but does not accept the request.
var ErrRejected = errors.New("request rejected by sink")

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
	return c
}

// coordinator issues one kind of leg against a sink. Requests for the same
// idempotency key return the recorded acknowledgment.
type coordinator struct {
	leg    string
	sink   Sink
	ledger Ledger
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func newCoordinator(leg string, sink Sink, ledger Ledger, cfg Config) coordinator {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return coordinator{
		leg:    leg,
		sink:   sink,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func idempotencyKey(leg string, caseID uuid.UUID) string {
	return leg + ":" + caseID.String()
}

func (c *coordinator) send(ctx context.Context, key string, payload any) (emergency.Acknowledgment, error) {
	logger := log.WithFields(log.Fields{"leg": c.leg, "key": key})

	if ack, ok, err := c.ledger.Lookup(ctx, key); err != nil {
		logger.WithError(err).Warn("idempotency ledger unavailable")
	} else if ok {
		logger.WithField("reference", ack.Reference).Info("leg already acknowledged")
		return ack, nil
	}

	backoff := c.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		reply, err := c.sink.Send(ctx, key, payload)
		if err == nil {
			err = validate(reply)
		}
		if err == nil {
			metrics.DispatchAttemptsTotal.WithLabelValues(c.leg, "ok").Inc()
			ack := emergency.Acknowledgment{
				Reference:      reply.Reference,
				Message:        reply.Message,
				AcknowledgedAt: c.now(),
			}
			if err := c.ledger.Record(ctx, key, ack); err != nil {
				logger.WithError(err).Warn("failed to record acknowledgment")
			}
			return ack, nil
		}

		metrics.DispatchAttemptsTotal.WithLabelValues(c.leg, "error").Inc()
		lastErr = err
		if ctx.Err() != nil {
			return emergency.Acknowledgment{}, ctx.Err()
		}
		if isPermanent(err) || errors.Is(err, ErrRejected) {
			break
		}
		logger.WithField("attempt", attempt).WithError(err).Warn("sink request failed")
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return emergency.Acknowledgment{}, err
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return emergency.Acknowledgment{}, fmt.Errorf("%s leg: %w", c.leg, lastErr)
}

func validate(r Reply) error {
	if !r.Accepted {
		if r.Message != "" {
			return fmt.Errorf("%w: %s", ErrRejected, r.Message)
		}
		return ErrRejected
	}
	if strings.TrimSpace(r.Reference) == "" {
		return fmt.Errorf("%w: acknowledgment without reference", ErrRejected)
	}
	return nil
}

// CorridorRequest asks the traffic system to open or close a priority corridor.
type CorridorRequest struct {
	CaseID   uuid.UUID           `json:"case_id"`
	Action   string              `json:"action"`
	Location *emergency.Location `json:"location,omitempty"`
	Severity string              `json:"severity,omitempty"`
}

type CorridorCoordinator struct {
	coordinator
}

func NewCorridorCoordinator(sink Sink, ledger Ledger, cfg Config) *CorridorCoordinator {
	return &CorridorCoordinator{coordinator: newCoordinator("corridor", sink, ledger, cfg)}
}

// Request implements emergency.Coordinator.
func (c *CorridorCoordinator) Request(ctx context.Context, caseID uuid.UUID, incident emergency.IncidentReport, a emergency.CriticalityAssessment) (emergency.Acknowledgment, error) {
	return c.send(ctx, idempotencyKey("corridor", caseID), CorridorRequest{
		CaseID:   caseID,
		Action:   "activate",
		Location: incident.Location,
		Severity: a.Severity(),
	})
}

// Deactivate stands the corridor down. It is idempotent per case.
func (c *CorridorCoordinator) Deactivate(ctx context.Context, caseID uuid.UUID) error {
	_, err := c.send(ctx, idempotencyKey("corridor-release", caseID), CorridorRequest{
		CaseID: caseID,
		Action: "deactivate",
	})
	return err
}

// HospitalRequest asks the receiving hospital to get ready for the patient.
type HospitalRequest struct {
	CaseID         uuid.UUID           `json:"case_id"`
	Severity       string              `json:"severity"`
	Score          int                 `json:"score"`
	ETAHintMinutes int                 `json:"eta_hint_minutes"`
	Preparations   []string            `json:"preparations"`
	Location       *emergency.Location `json:"location,omitempty"`
	Summary        string              `json:"summary"`
}

type HospitalCoordinator struct {
	coordinator
}

func NewHospitalCoordinator(sink Sink, ledger Ledger, cfg Config) *HospitalCoordinator {
	return &HospitalCoordinator{coordinator: newCoordinator("hospital", sink, ledger, cfg)}
}

// Request implements emergency.Coordinator.
func (c *HospitalCoordinator) Request(ctx context.Context, caseID uuid.UUID, incident emergency.IncidentReport, a emergency.CriticalityAssessment) (emergency.Acknowledgment, error) {
	return c.send(ctx, idempotencyKey("hospital", caseID), HospitalRequest{
		CaseID:         caseID,
		Severity:       a.Severity(),
		Score:          a.Score,
		ETAHintMinutes: ETAHint(a.Score),
		Preparations:   Preparations(a.Score),
		Location:       incident.Location,
		Summary:        incident.Description,
	})
}

// ETAHint is the expected response time in minutes for a criticality score.
func ETAHint(score int) int {
	switch {
	case score >= 8:
		return 8
	case score >= 6:
		return 12
	case score >= 4:
		return 18
	default:
		return 25
	}
}

// Preparations lists what the hospital should ready for a criticality score.
func Preparations(score int) []string {
	switch {
	case score >= 8:
		return []string{
			"Trauma team activation",
			"ICU bed preparation",
			"Blood bank notification",
			"Specialist on standby",
			"Ventilator ready",
		}
	case score >= 6:
		return []string{
			"Emergency team alert",
			"Emergency bed ready",
			"Blood type & cross-match",
			"Cardiac monitor ready",
		}
	case score >= 4:
		return []string{
			"Emergency bed preparation",
			"Nursing team alert",
			"Basic monitoring setup",
		}
	default:
		return []string{
			"Outpatient assessment area",
			"Basic examination setup",
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
