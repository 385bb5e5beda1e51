package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emergency-orchestrator/internal/emergency"
)

type oracleFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f oracleFunc) Score(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

func newTestGateway(o Oracle, cfg Config) *Gateway {
	g := NewGateway(o, cfg)
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return g
}

func testIncident() emergency.IncidentReport {
	return emergency.IncidentReport{
		SourceRef:   "detected:cam-7",
		Description: "Multi-vehicle collision on highway",
		Origin:      emergency.OriginDetected,
	}
}

func TestAssessCoercesPayload(t *testing.T) {
	g := newTestGateway(oracleFunc(func(ctx context.Context, req Request) (map[string]any, error) {
		return map[string]any{"score": json.Number("8"), "confidence": "0.9", "rationale": " crash "}, nil
	}), Config{})

	a, err := g.Assess(context.Background(), testIncident())
	require.NoError(t, err)
	assert.Equal(t, 8, a.Score)
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
	assert.Equal(t, "crash", a.Rationale)
	assert.Equal(t, emergency.AssessmentSource, a.Source)
	assert.False(t, a.AssessedAt.IsZero())
}

func TestAssessRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(oracleFunc(func(ctx context.Context, req Request) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("upstream 503")
		}
		return map[string]any{"score": 5, "confidence": 0.7}, nil
	}), Config{MaxAttempts: 3})

	a, err := g.Assess(context.Background(), testIncident())
	require.NoError(t, err)
	assert.Equal(t, 5, a.Score)
	assert.EqualValues(t, 3, calls.Load())
}

func TestAssessExhaustedIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(oracleFunc(func(ctx context.Context, req Request) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}), Config{MaxAttempts: 2})

	_, err := g.Assess(context.Background(), testIncident())
	require.Error(t, err)
	assert.ErrorIs(t, err, emergency.ErrScoringUnavailable)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAssessRejectsMalformedPayloads(t *testing.T) {
	cases := map[string]map[string]any{
		"missing score":       {"confidence": 0.5},
		"fractional score":    {"score": 7.5, "confidence": 0.5},
		"score out of range":  {"score": 11, "confidence": 0.5},
		"bad confidence":      {"score": 3, "confidence": 1.2},
		"wrong type":          {"score": true, "confidence": 0.5},
		"non numeric string":  {"score": "high", "confidence": 0.5},
		"nan confidence":      {"score": 3, "confidence": "NaN"},
		"infinite confidence": {"score": 3, "confidence": "+Inf"},
		"nan score":           {"score": "NaN", "confidence": 0.5},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			g := newTestGateway(oracleFunc(func(ctx context.Context, req Request) (map[string]any, error) {
				return payload, nil
			}), Config{MaxAttempts: 1})
			_, err := g.Assess(context.Background(), testIncident())
			require.Error(t, err)
			assert.ErrorIs(t, err, emergency.ErrScoringUnavailable)
			assert.Contains(t, err.Error(), ErrInvalidPayload.Error())
		})
	}
}

func TestAssessAppliesPerAttemptTimeout(t *testing.T) {
	g := newTestGateway(oracleFunc(func(ctx context.Context, req Request) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), Config{Timeout: 20 * time.Millisecond, MaxAttempts: 2})

	start := time.Now()
	_, err := g.Assess(context.Background(), testIncident())
	assert.ErrorIs(t, err, emergency.ErrScoringUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAssessCallerCancellationIsNotUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := newTestGateway(oracleFunc(func(ctx context.Context, req Request) (map[string]any, error) {
		cancel()
		return nil, errors.New("aborted")
	}), Config{})

	_, err := g.Assess(ctx, testIncident())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, emergency.ErrScoringUnavailable)
}

func TestHTTPOracleRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Multi-vehicle collision on highway", req.Description)
		assert.Equal(t, "detected", req.Fields["origin"])
		_, _ = w.Write([]byte(`{"score": 9, "confidence": 0.8, "rationale": "pile-up"}`))
	}))
	defer srv.Close()

	g := newTestGateway(NewHTTPOracle(srv.URL, "secret"), Config{})
	a, err := g.Assess(context.Background(), testIncident())
	require.NoError(t, err)
	assert.Equal(t, 9, a.Score)
	assert.Equal(t, "pile-up", a.Rationale)
}

func TestHTTPOracleServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := newTestGateway(NewHTTPOracle(srv.URL, ""), Config{MaxAttempts: 2})
	_, err := g.Assess(context.Background(), testIncident())
	require.Error(t, err)
	assert.ErrorIs(t, err, emergency.ErrScoringUnavailable)
	assert.Contains(t, err.Error(), "model overloaded")
}
