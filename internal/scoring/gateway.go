package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/metrics"
)

// Request is what the oracle sees of an incident.
type Request struct {
	Description string         `json:"description"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Oracle returns a loosely typed scoring payload. The gateway is the only
// place that interprets it.
type Oracle interface {
	Score(ctx context.Context, req Request) (map[string]any, error)
}

// ErrInvalidPayload is returned when an oracle reply cannot be coerced into an assessment.
var ErrInvalidPayload = errors.New("invalid scoring payload")

type Config struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Gateway wraps an oracle with a per-attempt timeout and bounded retries.
// It never invents a score: when the budget is spent it reports
// emergency.ErrScoringUnavailable.
type Gateway struct {
	oracle Oracle
	cfg    Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewGateway(oracle Oracle, cfg Config) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	return &Gateway{
		oracle: oracle,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Assess implements emergency.Scorer.
func (g *Gateway) Assess(ctx context.Context, incident emergency.IncidentReport) (emergency.CriticalityAssessment, error) {
	start := g.now()
	defer func() {
		metrics.ScoringDurationSeconds.Observe(g.now().Sub(start).Seconds())
	}()

	req := BuildRequest(incident)
	backoff := g.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		a, err := g.attempt(ctx, req)
		if err == nil {
			metrics.ScoringAttemptsTotal.WithLabelValues("ok").Inc()
			return a, nil
		}
		if ctx.Err() != nil {
			// The caller gave up; this is not an oracle outage.
			return emergency.CriticalityAssessment{}, ctx.Err()
		}
		metrics.ScoringAttemptsTotal.WithLabelValues("error").Inc()
		lastErr = err
		log.WithFields(log.Fields{
			"source_ref": incident.SourceRef,
			"attempt":    attempt,
		}).WithError(err).Warn("scoring attempt failed")

		if attempt == g.cfg.MaxAttempts {
			break
		}
		if err := g.sleep(ctx, backoff); err != nil {
			return emergency.CriticalityAssessment{}, err
		}
		backoff *= 2
		if backoff > g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
		}
	}
	return emergency.CriticalityAssessment{}, fmt.Errorf("%w after %d attempts: %v", emergency.ErrScoringUnavailable, g.cfg.MaxAttempts, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, req Request) (emergency.CriticalityAssessment, error) {
	actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	payload, err := g.oracle.Score(actx, req)
	if err != nil {
		return emergency.CriticalityAssessment{}, err
	}
	return g.coerce(payload)
}

// coerce validates an oracle payload into the fixed assessment shape.
func (g *Gateway) coerce(payload map[string]any) (emergency.CriticalityAssessment, error) {
	if payload == nil {
		return emergency.CriticalityAssessment{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	score, err := number(payload, "score")
	if err != nil {
		return emergency.CriticalityAssessment{}, err
	}
	if !finite(score) || score != math.Trunc(score) || score < 0 || score > 10 {
		return emergency.CriticalityAssessment{}, fmt.Errorf("%w: score %v is not an integer in 0-10", ErrInvalidPayload, score)
	}

	confidence, err := number(payload, "confidence")
	if err != nil {
		return emergency.CriticalityAssessment{}, err
	}
	if !finite(confidence) || confidence < 0 || confidence > 1 {
		return emergency.CriticalityAssessment{}, fmt.Errorf("%w: confidence %v out of range", ErrInvalidPayload, confidence)
	}

	rationale, _ := payload["rationale"].(string)
	return emergency.CriticalityAssessment{
		Score:      int(score),
		Confidence: confidence,
		Rationale:  strings.TrimSpace(rationale),
		AssessedAt: g.now(),
		Source:     emergency.AssessmentSource,
	}, nil
}

func number(payload map[string]any, key string) (float64, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidPayload, key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s %q is not a number", ErrInvalidPayload, key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidPayload, key, raw)
	}
}

// finite rejects NaN, which passes every range comparison, and the infinities.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// BuildRequest projects an incident onto the oracle's request contract.
func BuildRequest(incident emergency.IncidentReport) Request {
	fields := map[string]any{
		"origin": string(incident.Origin),
	}
	if l := incident.Location; l != nil {
		fields["latitude"] = l.Latitude
		fields["longitude"] = l.Longitude
		if l.Address != "" {
			fields["address"] = l.Address
		}
	}
	if incident.Casualties != nil {
		fields["casualties"] = *incident.Casualties
	}
	if len(incident.Indicators) > 0 {
		fields["indicators"] = incident.Indicators
	}
	if incident.Severe {
		fields["severe"] = true
	}
	if p := incident.Patient; p != nil {
		if p.Age != nil {
			fields["patient_age"] = *p.Age
		}
		if p.Conscious != nil {
			fields["patient_conscious"] = *p.Conscious
		}
		if p.Breathing != nil {
			fields["patient_breathing"] = *p.Breathing
		}
		if p.Bleeding {
			fields["patient_bleeding"] = true
		}
		if p.EmergencyType != "" {
			fields["emergency_type"] = p.EmergencyType
		}
		if p.Condition != "" {
			fields["patient_condition"] = p.Condition
		}
	}
	return Request{Description: incident.Description, Fields: fields}
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
