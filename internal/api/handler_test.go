package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emergency-orchestrator/internal/emergency"
	"emergency-orchestrator/internal/ingest"
)

type fixedScorer struct {
	score      int
	confidence float64
}

func (s fixedScorer) Assess(context.Context, emergency.IncidentReport) (emergency.CriticalityAssessment, error) {
	return emergency.CriticalityAssessment{
		Score:      s.score,
		Confidence: s.confidence,
		Rationale:  "fixed",
		AssessedAt: time.Now(),
		Source:     emergency.AssessmentSource,
	}, nil
}

type ackCoordinator struct{}

func (ackCoordinator) Request(context.Context, uuid.UUID, emergency.IncidentReport, emergency.CriticalityAssessment) (emergency.Acknowledgment, error) {
	return emergency.Acknowledgment{Reference: "REF-1", AcknowledgedAt: time.Now()}, nil
}

func (ackCoordinator) Deactivate(context.Context, uuid.UUID) error { return nil }

type acceptAll struct{}

func (acceptAll) Notify(emergency.Event) bool { return true }

func newTestServer(t *testing.T, score int) (*httptest.Server, *emergency.Orchestrator) {
	t.Helper()
	orch := emergency.NewOrchestrator(
		emergency.NewMemoryRepository(),
		fixedScorer{score: score, confidence: 0.9},
		ackCoordinator{},
		ackCoordinator{},
		acceptAll{},
		emergency.Config{},
	)
	t.Cleanup(func() { _ = orch.Close(context.Background()) })

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		RegisterRoutes(r, NewHandler(ingest.NewRouter(orch, ingest.Config{}), orch))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, orch
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getCase(t *testing.T, base, id string) (int, emergency.EmergencyCase) {
	t.Helper()
	resp, err := http.Get(base + "/api/cases/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var c emergency.EmergencyCase
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	}
	return resp.StatusCode, c
}

func TestSubmitDetectedAndTrackCase(t *testing.T) {
	srv, _ := newTestServer(t, 9)

	resp, out := post(t, srv.URL+"/api/incidents/detected",
		`{"id": "acc-1", "description": "Multi-vehicle collision", "confidence_score": 0.9}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id, _ := out["case_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		status, c := getCase(t, srv.URL, id)
		return status == http.StatusOK && c.State == emergency.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	_, c := getCase(t, srv.URL, id)
	assert.Equal(t, emergency.DecisionEscalated, c.Decision)
	assert.Equal(t, emergency.LegAcknowledged, c.CorridorStatus)
	assert.Equal(t, emergency.LegAcknowledged, c.HospitalStatus)

	resp, _ = post(t, srv.URL+"/api/cases/"+id+"/corridor/release", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitDetectedStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	resp, _ := post(t, srv.URL+"/api/incidents/detected", `{"id": "d-1", "description": "Crash", "confidence_score": 0.9}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/api/incidents/detected", `{"id": "D-1", "description": "Crash", "confidence_score": 0.9}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/api/incidents/detected", `{"id": "d-2", "description": "", "confidence_score": 0.9}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/api/incidents/detected", `{broken`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out := post(t, srv.URL+"/api/incidents/detected", `{"id": "d-3", "description": "Maybe smoke", "confidence_score": 0.3}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, out["discarded"])
}

func TestSubmitRequested(t *testing.T) {
	srv, _ := newTestServer(t, 3)

	resp, out := post(t, srv.URL+"/api/incidents/requested", `{
		"request_id": "EMR_1",
		"caller_name": "Asha",
		"caller_phone": "+91-9000000000",
		"patient_name": "Ravi",
		"emergency_type": "breathing",
		"criticality_level": "serious",
		"symptoms_description": "Short of breath"
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "requested:emr_1", out["source_ref"])
	assert.NotEmpty(t, out["case_id"])
}

func TestSubmitDetectedBatch(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	resp, out := post(t, srv.URL+"/api/incidents/detected/batch", `{"accidents": [
		{"id": "b-1", "description": "Crash", "confidence_score": 0.9},
		{"id": "b-1", "description": "Crash", "confidence_score": 0.9}
	]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	outcomes, _ := out["outcomes"].([]any)
	assert.Len(t, outcomes, 2)

	resp, _ = post(t, srv.URL+"/api/incidents/detected/batch", `{"accidents": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCaseErrors(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	status, _ := getCase(t, srv.URL, "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = getCase(t, srv.URL, uuid.NewString())
	assert.Equal(t, http.StatusNotFound, status)

	resp, _ := post(t, srv.URL+"/api/cases/"+uuid.NewString()+"/corridor/release", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReleaseCorridorOnStandardCaseConflicts(t *testing.T) {
	srv, orch := newTestServer(t, 2)

	id, err := orch.Submit(context.Background(), emergency.IncidentReport{
		SourceRef:   "detected:s-1",
		Description: "Minor bump",
		Origin:      emergency.OriginDetected,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, err := orch.GetStatus(context.Background(), id)
		return err == nil && c.State == emergency.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := post(t, srv.URL+"/api/cases/"+id.String()+"/corridor/release", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListActive(t *testing.T) {
	srv, _ := newTestServer(t, 2)

	resp, err := http.Get(srv.URL + "/api/cases")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Cases []emergency.EmergencyCase `json:"cases"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotNil(t, out.Cases)
}
