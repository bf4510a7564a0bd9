package api

import (
	"bytes"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/optlearn/optlearn/internal/device"
)

func newTestServer(t *testing.T) (*echo.Echo, *device.SimRuntime) {
	t.Helper()
	rt := device.NewSim()
	server := NewServer(rt, 0, 20000, nil)
	server.seedFn = func() int64 { return 12345 }
	e := echo.New()
	server.Register(e)
	return e, rt
}

func doJSON(t *testing.T, e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func priorOnlyRequest() EIRequest {
	best := 0.0
	seed := int64(7)
	return EIRequest{
		CovarianceInfo: CovarianceInfo{
			CovarianceType:  "square_exponential",
			Hyperparameters: []float64{1, 1},
		},
		DomainInfo:       DomainInfo{Dim: 1},
		PointsToEvaluate: [][]float64{{0.2}, {0.8}},
		MCIterations:     400000,
		BestSoFar:        &best,
		Seed:             &seed,
	}
}

func TestHealthz(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(t, e, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, device.Sim, resp.Backend)
}

func TestExpectedImprovementEndpoint(t *testing.T) {
	e, rt := newTestServer(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/gp/ei", priorOnlyRequest())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp EIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.ExpectedImprovement, 2)

	// Prior mean 0, unit variance, incumbent 0: analytic EI is 1/sqrt(2*pi).
	want := 1 / math.Sqrt(2*math.Pi)
	for _, v := range resp.ExpectedImprovement {
		require.InDelta(t, want, v, 0.01)
	}
	require.Zero(t, rt.LiveBuffers(), "request leaked device buffers")
}

func TestExpectedImprovementValidation(t *testing.T) {
	e, _ := newTestServer(t)

	req := priorOnlyRequest()
	req.PointsToEvaluate = nil
	rec := doJSON(t, e, http.MethodPost, "/v1/gp/ei", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = priorOnlyRequest()
	req.CovarianceInfo.Hyperparameters = []float64{1}
	rec = doJSON(t, e, http.MethodPost, "/v1/gp/ei", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = priorOnlyRequest()
	req.BestSoFar = nil // no observations either
	rec = doJSON(t, e, http.MethodPost, "/v1/gp/ei", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = priorOnlyRequest()
	req.PointsToEvaluate = [][]float64{{0.1, 0.2}}
	rec = doJSON(t, e, http.MethodPost, "/v1/gp/ei", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/v1/gp/ei", "not an object")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBestSoFarDefaultsToObservedMinimum(t *testing.T) {
	e, _ := newTestServer(t)
	req := priorOnlyRequest()
	req.BestSoFar = nil
	req.GPHistoricalInfo = GPHistoricalInfo{
		PointsSampled: []PointSampled{
			{Point: []float64{-0.5}, Value: 1.2, ValueVar: 1e-4},
			{Point: []float64{1.5}, Value: -0.3, ValueVar: 1e-4},
		},
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/gp/ei", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp EIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.ExpectedImprovement, 2)
	for _, v := range resp.ExpectedImprovement {
		require.GreaterOrEqual(t, v, 0.0)
	}
}

func TestGradExpectedImprovementEndpoint(t *testing.T) {
	e, rt := newTestServer(t)
	req := priorOnlyRequest()
	req.GPHistoricalInfo = GPHistoricalInfo{
		PointsSampled: []PointSampled{
			{Point: []float64{0}, Value: -1, ValueVar: 1e-4},
		},
	}
	req.BestSoFar = nil
	rec := doJSON(t, e, http.MethodPost, "/v1/gp/grad_ei", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp GradEIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.GradExpectedImprovement, 2)
	for _, g := range resp.GradExpectedImprovement {
		require.Len(t, g, 1)
	}
	require.Zero(t, rt.LiveBuffers())
}

func TestDeviceFailureReturnsServerError(t *testing.T) {
	e, rt := newTestServer(t)
	rt.FailNext(device.OpLaunchEI, device.StatusLaunchFailed)
	rec := doJSON(t, e, http.MethodPost, "/v1/gp/ei", priorOnlyRequest())
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Zero(t, rt.LiveBuffers(), "failed request leaked device buffers")
}

func TestNextPointsEndpoint(t *testing.T) {
	e, rt := newTestServer(t)
	seed := int64(3)
	req := NextPointsRequest{
		CovarianceInfo: CovarianceInfo{Hyperparameters: []float64{1, 1}},
		DomainInfo: DomainInfo{
			Dim:          1,
			DomainBounds: []DomainBound{{Min: -2, Max: 2}},
		},
		GPHistoricalInfo: GPHistoricalInfo{
			PointsSampled: []PointSampled{
				{Point: []float64{0}, Value: -0.5, ValueVar: 1e-4},
			},
		},
		NumToSample:  2,
		MCIterations: 1,
		Seed:         &seed,
		Restarts:     2,
		Steps:        2,
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/gp/next_points", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp NextPointsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Points, 2)
	for _, p := range resp.Points {
		require.Len(t, p, 1)
		require.GreaterOrEqual(t, p[0], -2.0)
		require.LessOrEqual(t, p[0], 2.0)
	}
	require.GreaterOrEqual(t, resp.ExpectedImprovement, 0.0)
	require.Zero(t, rt.LiveBuffers())
}

func TestNextPointsValidation(t *testing.T) {
	e, _ := newTestServer(t)
	req := NextPointsRequest{
		CovarianceInfo: CovarianceInfo{Hyperparameters: []float64{1, 1}},
		DomainInfo:     DomainInfo{Dim: 1},
		NumToSample:    0,
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/gp/next_points", req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req.NumToSample = 1
	rec = doJSON(t, e, http.MethodPost, "/v1/gp/next_points", req)
	// Missing bounds for the declared dimension.
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
