package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emergency-orchestrator/internal/emergency"
)

type recordingSink struct {
	mu      sync.Mutex
	keys    []string
	bodies  []map[string]any
	handler func(attempt int) (int, string)
	srv     *httptest.Server
}

func newRecordingSink(t *testing.T, handler func(attempt int) (int, string)) *recordingSink {
	s := &recordingSink{handler: handler}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		s.mu.Lock()
		s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
		s.bodies = append(s.bodies, body)
		attempt := len(s.keys)
		s.mu.Unlock()

		status, reply := s.handler(attempt)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *recordingSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func escalatedInput() (uuid.UUID, emergency.IncidentReport, emergency.CriticalityAssessment) {
	return uuid.New(),
		emergency.IncidentReport{
			SourceRef:   "detected:cam-1",
			Description: "Multi-vehicle collision",
			Origin:      emergency.OriginDetected,
			Location:    &emergency.Location{Latitude: 12.97, Longitude: 77.59},
		},
		emergency.CriticalityAssessment{Score: 9, Confidence: 0.9}
}

func TestCorridorRequestSendsActivation(t *testing.T) {
	sink := newRecordingSink(t, func(int) (int, string) {
		return http.StatusOK, `{"accepted": true, "reference": "GC-1"}`
	})
	c := NewCorridorCoordinator(NewHTTPSink(sink.srv.URL), NewMemoryLedger(), fastConfig())
	id, incident, a := escalatedInput()

	ack, err := c.Request(context.Background(), id, incident, a)
	require.NoError(t, err)
	assert.Equal(t, "GC-1", ack.Reference)
	assert.False(t, ack.AcknowledgedAt.IsZero())

	require.Equal(t, 1, sink.calls())
	assert.Equal(t, "corridor:"+id.String(), sink.keys[0])
	assert.Equal(t, "activate", sink.bodies[0]["action"])
	assert.Equal(t, "critical", sink.bodies[0]["severity"])
	assert.Equal(t, id.String(), sink.bodies[0]["case_id"])
}

func TestRequestIsIdempotentPerCase(t *testing.T) {
	sink := newRecordingSink(t, func(int) (int, string) {
		return http.StatusOK, `{"accepted": true, "reference": "H-7"}`
	})
	c := NewHospitalCoordinator(NewHTTPSink(sink.srv.URL), NewMemoryLedger(), fastConfig())
	id, incident, a := escalatedInput()

	first, err := c.Request(context.Background(), id, incident, a)
	require.NoError(t, err)
	second, err := c.Request(context.Background(), id, incident, a)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, sink.calls())
}

func TestHospitalRequestCarriesPreparations(t *testing.T) {
	sink := newRecordingSink(t, func(int) (int, string) {
		return http.StatusOK, `{"accepted": true, "reference": "H-1", "message": "bay 3"}`
	})
	c := NewHospitalCoordinator(NewHTTPSink(sink.srv.URL), nil, fastConfig())
	id, incident, a := escalatedInput()

	ack, err := c.Request(context.Background(), id, incident, a)
	require.NoError(t, err)
	assert.Equal(t, "bay 3", ack.Message)

	body := sink.bodies[0]
	assert.Equal(t, "hospital:"+id.String(), sink.keys[0])
	assert.EqualValues(t, 8, body["eta_hint_minutes"])
	assert.Len(t, body["preparations"], 5)
}

func TestRequestRetriesTransientFailures(t *testing.T) {
	sink := newRecordingSink(t, func(attempt int) (int, string) {
		if attempt < 3 {
			return http.StatusBadGateway, "upstream down"
		}
		return http.StatusOK, `{"accepted": true, "reference": "GC-3"}`
	})
	c := NewCorridorCoordinator(NewHTTPSink(sink.srv.URL), nil, fastConfig())
	id, incident, a := escalatedInput()

	ack, err := c.Request(context.Background(), id, incident, a)
	require.NoError(t, err)
	assert.Equal(t, "GC-3", ack.Reference)
	assert.Equal(t, 3, sink.calls())
	assert.Equal(t, sink.keys[0], sink.keys[2])
}

func TestRequestDoesNotRetryPermanentErrors(t *testing.T) {
	sink := newRecordingSink(t, func(int) (int, string) {
		return http.StatusBadRequest, "unknown junction"
	})
	c := NewCorridorCoordinator(NewHTTPSink(sink.srv.URL), nil, fastConfig())
	id, incident, a := escalatedInput()

	_, err := c.Request(context.Background(), id, incident, a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown junction")
	assert.Equal(t, 1, sink.calls())
}

func TestRequestRejectsInvalidAcknowledgments(t *testing.T) {
	replies := map[string]string{
		"not accepted":      `{"accepted": false, "message": "no capacity"}`,
		"missing reference": `{"accepted": true}`,
	}
	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			sink := newRecordingSink(t, func(int) (int, string) { return http.StatusOK, reply })
			c := NewHospitalCoordinator(NewHTTPSink(sink.srv.URL), nil, fastConfig())
			id, incident, a := escalatedInput()

			_, err := c.Request(context.Background(), id, incident, a)
			assert.ErrorIs(t, err, ErrRejected)
			assert.Equal(t, 1, sink.calls())
		})
	}
}

func TestRequestHonoursCancellation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewCorridorCoordinator(NewHTTPSink(srv.URL), nil, fastConfig())
	id, incident, a := escalatedInput()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, id, incident, a)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDeactivateUsesSeparateKey(t *testing.T) {
	sink := newRecordingSink(t, func(int) (int, string) {
		return http.StatusOK, `{"accepted": true, "reference": "GC-9"}`
	})
	ledger := NewMemoryLedger()
	c := NewCorridorCoordinator(NewHTTPSink(sink.srv.URL), ledger, fastConfig())
	id, incident, a := escalatedInput()

	_, err := c.Request(context.Background(), id, incident, a)
	require.NoError(t, err)
	require.NoError(t, c.Deactivate(context.Background(), id))
	require.NoError(t, c.Deactivate(context.Background(), id))

	require.Equal(t, 2, sink.calls())
	assert.Equal(t, "corridor-release:"+id.String(), sink.keys[1])
	assert.Equal(t, "deactivate", sink.bodies[1]["action"])
}

func TestETAHintBands(t *testing.T) {
	assert.Equal(t, 8, ETAHint(10))
	assert.Equal(t, 12, ETAHint(6))
	assert.Equal(t, 18, ETAHint(4))
	assert.Equal(t, 25, ETAHint(0))
}
