package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/metrics"
)

// Submitter creates cases. The orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, incident emergency.IncidentReport) (uuid.UUID, error)
}

type Config struct {
	// MinDetectionConfidence discards detections the feed itself is unsure of.
	MinDetectionConfidence float64
	// DetectionRate limits detections per second; zero disables throttling.
	DetectionRate  float64
	DetectionBurst int
}

const DefaultMinDetectionConfidence = 0.6

// Router turns raw reports from both entry paths into incident reports and
// hands them to the orchestrator. Family requests are never discarded or
// throttled.
type Router struct {
	submitter     Submitter
	minConfidence float64
	limiter       *rate.Limiter
	now           func() time.Time
}

func NewRouter(s Submitter, cfg Config) *Router {
	if cfg.MinDetectionConfidence == 0 {
		cfg.MinDetectionConfidence = DefaultMinDetectionConfidence
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DetectionRate > 0 {
		burst := cfg.DetectionBurst
		if burst <= 0 {
			burst = int(cfg.DetectionRate) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DetectionRate), burst)
	}
	return &Router{
		submitter:     s,
		minConfidence: cfg.MinDetectionConfidence,
		limiter:       limiter,
		now:           time.Now,
	}
}

// SubmitDetected admits one detection. Detections below the confidence gate
// are discarded without touching the store.
func (r *Router) SubmitDetected(ctx context.Context, d DetectedReport) (Outcome, error) {
	incident, err := r.fromDetected(d)
	if err != nil {
		metrics.IngestedTotal.WithLabelValues(string(emergency.OriginDetected), "invalid").Inc()
		return Outcome{SourceRef: incident.SourceRef}, err
	}
	out := Outcome{SourceRef: incident.SourceRef}

	if d.ConfidenceScore < r.minConfidence {
		metrics.IngestedTotal.WithLabelValues(string(emergency.OriginDetected), "discarded").Inc()
		out.Discarded = true
		out.Reason = fmt.Sprintf("detection confidence %.2f below %.2f", d.ConfidenceScore, r.minConfidence)
		log.WithFields(log.Fields{
			"source_ref": out.SourceRef,
			"confidence": d.ConfidenceScore,
		}).Info("detection discarded")
		return out, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return out, fmt.Errorf("detection throttled: %w", err)
	}
	return r.submit(ctx, incident, out)
}

// SubmitDetectedBatch admits a batch of detections. Repeats of a source
// reference within the batch are discarded before reaching the store.
func (r *Router) SubmitDetectedBatch(ctx context.Context, batch []DetectedReport) []Outcome {
	seen := make(map[string]struct{}, len(batch))
	outcomes := make([]Outcome, 0, len(batch))
	for _, d := range batch {
		ref := normalizeRef(emergency.OriginDetected, d.ID)
		if _, dup := seen[ref]; dup && ref != "" {
			metrics.IngestedTotal.WithLabelValues(string(emergency.OriginDetected), "duplicate").Inc()
			outcomes = append(outcomes, Outcome{SourceRef: ref, Discarded: true, Reason: "duplicate within batch"})
			continue
		}
		seen[ref] = struct{}{}

		out, err := r.SubmitDetected(ctx, d)
		if err != nil {
			out.Error = err.Error()
			out.err = err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// SubmitRequested admits a family request.
func (r *Router) SubmitRequested(ctx context.Context, f FamilyRequest) (Outcome, error) {
	incident, err := r.fromRequested(f)
	if err != nil {
		metrics.IngestedTotal.WithLabelValues(string(emergency.OriginRequested), "invalid").Inc()
		return Outcome{SourceRef: incident.SourceRef}, err
	}
	return r.submit(ctx, incident, Outcome{SourceRef: incident.SourceRef})
}

func (r *Router) submit(ctx context.Context, incident emergency.IncidentReport, out Outcome) (Outcome, error) {
	id, err := r.submitter.Submit(ctx, incident)
	origin := string(incident.Origin)
	switch {
	case errors.Is(err, emergency.ErrDuplicateIncident):
		metrics.IngestedTotal.WithLabelValues(origin, "duplicate").Inc()
		return out, err
	case errors.Is(err, emergency.ErrInvalidIncident):
		metrics.IngestedTotal.WithLabelValues(origin, "invalid").Inc()
		return out, err
	case err != nil:
		metrics.IngestedTotal.WithLabelValues(origin, "error").Inc()
		return out, err
	}
	metrics.IngestedTotal.WithLabelValues(origin, "accepted").Inc()
	out.CaseID = id
	return out, nil
}

func (r *Router) fromDetected(d DetectedReport) (emergency.IncidentReport, error) {
	incident := emergency.IncidentReport{
		SourceRef:           normalizeRef(emergency.OriginDetected, d.ID),
		Description:         strings.TrimSpace(d.Description),
		Origin:              emergency.OriginDetected,
		ReceivedAt:          d.Timestamp,
		Location:            location(d.GPSLat, d.GPSLon, d.Location),
		Casualties:          d.EstimatedPatients,
		Indicators:          cleanList(d.SeverityIndicators),
		Sources:             cleanList(d.NewsSources),
		DetectionConfidence: d.ConfidenceScore,
	}
	if incident.ReceivedAt.IsZero() {
		incident.ReceivedAt = r.now()
	}
	if incident.SourceRef == "" {
		return incident, fmt.Errorf("%w: detection id is required", emergency.ErrInvalidIncident)
	}
	return incident, incident.Validate()
}

func (r *Router) fromRequested(f FamilyRequest) (emergency.IncidentReport, error) {
	received := f.Timestamp
	if received.IsZero() {
		received = r.now()
	}

	ref := normalizeRef(emergency.OriginRequested, f.RequestID)
	if ref == "" {
		// Without a request id, repeats from the same phone in the same minute are one request.
		phone := digits(f.CallerPhone)
		if phone == "" {
			return emergency.IncidentReport{}, fmt.Errorf("%w: request id or caller phone is required", emergency.ErrInvalidIncident)
		}
		ref = fmt.Sprintf("%s:%s:%s", emergency.OriginRequested, phone, received.UTC().Format("200601021504"))
	}

	description := strings.TrimSpace(f.SymptomsDescription)
	if description == "" {
		kind := strings.TrimSpace(f.EmergencyType)
		if kind == "" {
			kind = "medical"
		}
		description = kind + " emergency reported by family"
	}

	level := strings.ToLower(strings.TrimSpace(f.CriticalityLevel))
	incident := emergency.IncidentReport{
		SourceRef:   ref,
		Description: description,
		Origin:      emergency.OriginRequested,
		ReceivedAt:  received,
		Location:    location(f.GPSLat, f.GPSLon, joinNonEmpty(", ", f.EmergencyLocation, f.DetailedAddress)),
		Severe:      level == "critical" || level == "serious",
		Patient: &emergency.PatientInfo{
			Name:          strings.TrimSpace(f.PatientName),
			Age:           f.PatientAge,
			Gender:        strings.TrimSpace(f.PatientGender),
			Conscious:     f.IsPatientConscious,
			Breathing:     f.IsPatientBreathing,
			Bleeding:      f.AnyBleeding,
			EmergencyType: strings.ToLower(strings.TrimSpace(f.EmergencyType)),
			Condition:     strings.TrimSpace(f.PatientCondition),
		},
		Contact: &emergency.Contact{
			Name:  strings.TrimSpace(f.CallerName),
			Phone: strings.TrimSpace(f.CallerPhone),
		},
	}
	if level != "" {
		incident.Indicators = []string{"family reported " + level}
	}
	return incident, incident.Validate()
}

// normalizeRef makes equivalent references compare equal: trimmed,
// lower-cased and prefixed with the origin exactly once.
func normalizeRef(origin emergency.Origin, raw string) string {
	ref := strings.ToLower(strings.TrimSpace(raw))
	ref = strings.TrimPrefix(ref, string(origin)+":")
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	return string(origin) + ":" + ref
}

func location(lat, lon *float64, address string) *emergency.Location {
	address = strings.TrimSpace(address)
	if lat == nil || lon == nil {
		if address == "" {
			return nil
		}
		return &emergency.Location{Address: address}
	}
	return &emergency.Location{Latitude: *lat, Longitude: *lon, Address: address}
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
