package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/platform/rabbitmq"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	incidents []emergency.IncidentReport
	refs      map[string]bool
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, incident emergency.IncidentReport) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, f.err
	}
	if f.refs == nil {
		f.refs = make(map[string]bool)
	}
	if f.refs[incident.SourceRef] {
		return uuid.Nil, emergency.ErrDuplicateIncident
	}
	f.refs[incident.SourceRef] = true
	f.incidents = append(f.incidents, incident)
	return uuid.New(), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.incidents)
}

func floatp(v float64) *float64 { return &v }
func intp(v int) *int            { return &v }
func boolp(v bool) *bool         { return &v }

func detection(id string, confidence float64) DetectedReport {
	return DetectedReport{
		ID:                 id,
		Description:        "Multi-vehicle collision on NH-48",
		Location:           "NH-48 near Gurgaon toll",
		GPSLat:             floatp(28.45),
		GPSLon:             floatp(77.02),
		SeverityIndicators: []string{"multi-vehicle", " highway ", ""},
		NewsSources:        []string{"traffic-cam"},
		ConfidenceScore:    confidence,
		EstimatedPatients:  intp(3),
	}
}

func TestSubmitDetectedNormalizesReport(t *testing.T) {
	sub := &fakeSubmitter{}
	r := NewRouter(sub, Config{})

	out, err := r.SubmitDetected(context.Background(), detection("  ACC-001 ", 0.9))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, out.CaseID)
	assert.Equal(t, "detected:acc-001", out.SourceRef)

	require.Equal(t, 1, sub.count())
	in := sub.incidents[0]
	assert.Equal(t, emergency.OriginDetected, in.Origin)
	assert.Equal(t, []string{"multi-vehicle", "highway"}, in.Indicators)
	assert.Equal(t, "NH-48 near Gurgaon toll", in.Location.Address)
	assert.Equal(t, 3, *in.Casualties)
	assert.False(t, in.ReceivedAt.IsZero())
}

func TestSubmitDetectedDiscardsLowConfidence(t *testing.T) {
	sub := &fakeSubmitter{}
	r := NewRouter(sub, Config{})

	out, err := r.SubmitDetected(context.Background(), detection("acc-2", 0.4))
	require.NoError(t, err)
	assert.True(t, out.Discarded)
	assert.Equal(t, uuid.Nil, out.CaseID)
	assert.Contains(t, out.Reason, "below 0.60")
	assert.Zero(t, sub.count())
}

func TestSubmitDetectedRejectsInvalid(t *testing.T) {
	r := NewRouter(&fakeSubmitter{}, Config{})

	_, err := r.SubmitDetected(context.Background(), detection("", 0.9))
	assert.ErrorIs(t, err, emergency.ErrInvalidIncident)

	d := detection("acc-3", 0.9)
	d.Description = "  "
	_, err = r.SubmitDetected(context.Background(), d)
	assert.ErrorIs(t, err, emergency.ErrInvalidIncident)
}

func TestSubmitDetectedEquivalentRefsDedupe(t *testing.T) {
	r := NewRouter(&fakeSubmitter{}, Config{})

	_, err := r.SubmitDetected(context.Background(), detection("ACC-9", 0.9))
	require.NoError(t, err)
	_, err = r.SubmitDetected(context.Background(), detection("detected:acc-9", 0.9))
	assert.ErrorIs(t, err, emergency.ErrDuplicateIncident)
}

func TestSubmitDetectedBatch(t *testing.T) {
	sub := &fakeSubmitter{}
	r := NewRouter(sub, Config{})

	outcomes := r.SubmitDetectedBatch(context.Background(), []DetectedReport{
		detection("a", 0.9),
		detection("A ", 0.9),
		detection("b", 0.1),
		detection("", 0.9),
	})
	require.Len(t, outcomes, 4)

	assert.NotEqual(t, uuid.Nil, outcomes[0].CaseID)
	assert.True(t, outcomes[1].Discarded)
	assert.Equal(t, "duplicate within batch", outcomes[1].Reason)
	assert.True(t, outcomes[2].Discarded)
	assert.NotEmpty(t, outcomes[3].Error)
	assert.ErrorIs(t, outcomes[3].Err(), emergency.ErrInvalidIncident)
	assert.Equal(t, 1, sub.count())
}

func TestDetectionThrottleHonoursContext(t *testing.T) {
	r := NewRouter(&fakeSubmitter{}, Config{DetectionRate: 0.001, DetectionBurst: 1})

	_, err := r.SubmitDetected(context.Background(), detection("t-1", 0.9))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.SubmitDetected(ctx, detection("t-2", 0.9))
	assert.Error(t, err)
}

func TestSubmitRequestedIsNeverDiscarded(t *testing.T) {
	sub := &fakeSubmitter{}
	// Throttling and the confidence gate apply to detections only.
	r := NewRouter(sub, Config{MinDetectionConfidence: 0.99, DetectionRate: 0.001, DetectionBurst: 1})

	req := FamilyRequest{
		RequestID:           "EMR_20240101120000",
		CallerName:          "Rajesh Kumar",
		CallerPhone:         "+91-9876543210",
		PatientName:         "Sunita Kumar",
		PatientAge:          intp(65),
		EmergencyLocation:   "Connaught Place",
		DetailedAddress:     "B-12, Inner Circle",
		EmergencyType:       "Cardiac",
		CriticalityLevel:    "Serious",
		SymptomsDescription: "Chest pain, sweating",
		IsPatientConscious:  boolp(false),
		IsPatientBreathing:  boolp(true),
	}
	for i := 0; i < 3; i++ {
		req.RequestID = req.RequestID + "x"
		out, err := r.SubmitRequested(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, out.Discarded)
	}
	require.Equal(t, 3, sub.count())

	in := sub.incidents[0]
	assert.Equal(t, emergency.OriginRequested, in.Origin)
	assert.True(t, in.Severe)
	assert.Equal(t, "cardiac", in.Patient.EmergencyType)
	assert.Equal(t, "Connaught Place, B-12, Inner Circle", in.Location.Address)
	assert.Equal(t, "Rajesh Kumar", in.Contact.Name)
}

func TestSubmitRequestedFallbacks(t *testing.T) {
	sub := &fakeSubmitter{}
	r := NewRouter(sub, Config{})
	at := time.Date(2024, 1, 1, 12, 30, 15, 0, time.UTC)

	out, err := r.SubmitRequested(context.Background(), FamilyRequest{
		CallerPhone:   "+91 98765 43210",
		EmergencyType: "stroke",
		Timestamp:     at,
	})
	require.NoError(t, err)
	assert.Equal(t, "requested:919876543210:202401011230", out.SourceRef)
	assert.Equal(t, "stroke emergency reported by family", sub.incidents[0].Description)
	assert.False(t, sub.incidents[0].Severe)

	_, err = r.SubmitRequested(context.Background(), FamilyRequest{})
	assert.ErrorIs(t, err, emergency.ErrInvalidIncident)
}

func TestFeedCallbacks(t *testing.T) {
	sub := &fakeSubmitter{}
	r := NewRouter(sub, Config{})
	callbacks := FeedCallbacks(r, time.Second)

	single := callbacks[RoutingKeyDetected]
	require.NotNil(t, single)

	assert.NoError(t, single(&rabbitmq.Message{Body: []byte(`{"id": "f-1", "description": "Car fire", "confidence_score": 0.8}`)}))
	// Duplicate deliveries are acked.
	assert.NoError(t, single(&rabbitmq.Message{Body: []byte(`{"id": "F-1", "description": "Car fire", "confidence_score": 0.8}`)}))
	// Low-confidence detections are acked.
	assert.NoError(t, single(&rabbitmq.Message{Body: []byte(`{"id": "f-2", "description": "Smoke?", "confidence_score": 0.2}`)}))

	var perr *rabbitmq.PermanentError
	assert.ErrorAs(t, single(&rabbitmq.Message{Body: []byte(`not json`)}), &perr)
	assert.ErrorAs(t, single(&rabbitmq.Message{Body: []byte(`{"id": "f-3", "confidence_score": 0.8}`)}), &perr)

	batch := callbacks[RoutingKeyDetectedBatch]
	assert.NoError(t, batch(&rabbitmq.Message{Body: []byte(`{"accidents": [
		{"id": "f-4", "description": "Bus overturned", "confidence_score": 0.9},
		{"id": "f-4", "description": "Bus overturned", "confidence_score": 0.9},
		{"id": "f-1", "description": "Car fire", "confidence_score": 0.9},
		{"id": "", "description": "no id", "confidence_score": 0.9}
	]}`)}))
	assert.Equal(t, 2, sub.count())
}

func TestFeedRequeuesTransientFailures(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("database unavailable")}
	callbacks := FeedCallbacks(NewRouter(sub, Config{}), time.Second)

	err := callbacks[RoutingKeyDetected](&rabbitmq.Message{Body: []byte(`{"id": "f-9", "description": "Crash", "confidence_score": 0.9}`)})
	require.Error(t, err)
	var perr *rabbitmq.PermanentError
	assert.False(t, errors.As(err, &perr))

	err = callbacks[RoutingKeyDetectedBatch](&rabbitmq.Message{Body: []byte(`{"accidents": [{"id": "f-10", "description": "Crash", "confidence_score": 0.9}]}`)})
	require.Error(t, err)
}
