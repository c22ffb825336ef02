package httpapi_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labbench/sentinel/internal/collector"
	"github.com/labbench/sentinel/internal/httpapi"
	"github.com/labbench/sentinel/internal/model"
	"github.com/labbench/sentinel/internal/modecell"
	"github.com/labbench/sentinel/internal/readings"
	"github.com/labbench/sentinel/internal/statemachine"
	"github.com/labbench/sentinel/internal/store"
	"github.com/labbench/sentinel/internal/telemetry/health"
	"github.com/labbench/sentinel/internal/telemetry/logging"
	"github.com/labbench/sentinel/internal/telemetry/metrics"
	"github.com/labbench/sentinel/internal/telemetry/tracing"
	"github.com/labbench/sentinel/internal/transport/mocktransport"
)

func sampleCapability() model.Capability {
	return model.Capability{
		Signals: []model.Signal{
			{ID: 1, Name: "voltage", MeasureCommand: "MEAS:VOLT?"},
		},
		Modes: []model.Mode{
			{ID: 10, Name: "run", EnableCommands: []string{"OUT:ON"}, DisableCommands: []string{"OUT:OFF"}},
		},
		SignalModeConfigs: []model.SignalModeConfig{
			{ModeID: 10, SignalID: 1, Unit: "V", ScalingFactor: 1.0},
		},
	}
}

type harness struct {
	srv   *httpapi.Server
	store *store.Store
	col   *collector.Collector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	ring, err := readings.Open(readings.Config{Dir: t.TempDir(), Capacity: 100, CheckpointInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ring.Close() })

	inst := mocktransport.NewInstrument(
		mocktransport.RouteSpec{Prefix: "MEAS:VOLT?", Reply: "1.0"},
		mocktransport.RouteSpec{Prefix: "OUT:ON", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:OFF", Reply: ""},
		mocktransport.RouteSpec{Prefix: "*IDN?", Reply: "Acme,PSU-1,0,1.0"},
	)
	tr := mocktransport.New()
	tr.Register("psu1/dev", inst)

	cell := modecell.New()
	col := collector.New(st, tr, ring, cell, metrics.NewNoopProvider(), logging.New(nil), tracing.Noop())
	eng := statemachine.New(st, tr, ring, cell, col, metrics.NewNoopProvider(), logging.New(nil), tracing.Noop())
	t.Cleanup(eng.StopAll)

	evaluator := health.NewEvaluator(time.Hour, health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		return health.Healthy("store")
	}))

	srv := httpapi.New(st, ring, col, eng, tr, evaluator, metrics.NewNoopProvider(), logging.New(nil))
	return &harness{srv: srv, store: st, col: col}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func createInstrument(t *testing.T, h *harness) model.Instrument {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/instruments", map[string]any{
		"name":       "psu-a",
		"address":    "psu1/dev",
		"is_active":  true,
		"capability": sampleCapability(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var in model.Instrument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))
	return in
}

func createSetup(t *testing.T, h *harness, instrumentID int) model.Setup {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/setups", map[string]any{
		"name":         "setup-a",
		"frequency_hz": 10,
		"instruments":  []map[string]any{{"instrument_id": instrumentID, "parameters": map[string]any{"modeId": 10}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var su model.Setup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &su))
	return su
}

func TestCreateAndListInstruments(t *testing.T) {
	h := newHarness(t)
	createInstrument(t, h)

	rec := h.do(t, http.MethodGet, "/instruments", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var list []model.Instrument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestCreateInstrumentDuplicateNameReturns409(t *testing.T) {
	h := newHarness(t)
	createInstrument(t, h)

	rec := h.do(t, http.MethodPost, "/instruments", map[string]any{
		"name":       "psu-a",
		"address":    "psu2/dev",
		"capability": sampleCapability(),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateInstrumentMissingFieldsReturns400(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/instruments", map[string]any{
		"capability": sampleCapability(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateInstrumentPatchOnlyTouchesSentFields(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)

	rec := h.do(t, http.MethodPut, "/instruments/"+itoa(in.ID), map[string]any{
		"is_active": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated model.Instrument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.False(t, updated.IsActive)
	assert.Equal(t, "psu-a", updated.Name, "name should be unchanged by a partial patch")
}

func TestUpdateInstrumentUnknownIDReturns404(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPut, "/instruments/9999", map[string]any{"is_active": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteInstrumentReferencedBySetupReturns409(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)
	createSetup(t, h, in.ID)

	rec := h.do(t, http.MethodDelete, "/instruments/"+itoa(in.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteInstrumentSucceeds(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)

	rec := h.do(t, http.MethodDelete, "/instruments/"+itoa(in.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestInstrumentCommandQuery(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)

	rec := h.do(t, http.MethodPost, "/instruments/"+itoa(in.ID)+"/command", map[string]any{
		"command": "*IDN?",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Acme,PSU-1,0,1.0", resp["response"])
}

func TestCreateSetupUnknownInstrumentReturns400(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/setups", map[string]any{
		"name":         "setup-a",
		"frequency_hz": 1,
		"instruments":  []map[string]any{{"instrument_id": 9999}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSetupDuplicateNameReturns409(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)
	createSetup(t, h, in.ID)

	rec := h.do(t, http.MethodPost, "/setups", map[string]any{
		"name":         "setup-a",
		"frequency_hz": 1,
		"instruments":  []map[string]any{{"instrument_id": in.ID}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCollectOnceReturnsReading(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)
	su := createSetup(t, h, in.ID)

	rec := h.do(t, http.MethodPost, "/collect/"+itoa(su.ID)+"/once", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var reading model.Reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reading))
	require.Len(t, reading.Targets, 1)
}

func TestCollectStartStopStatusLifecycle(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)
	su := createSetup(t, h, in.ID)

	rec := h.do(t, http.MethodPost, "/collect/"+itoa(su.ID)+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/collect/"+itoa(su.ID)+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st collector.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)

	rec = h.do(t, http.MethodPost, "/collect/"+itoa(su.ID)+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.col.Running(su.ID))
}

func TestCollectStatusUnknownSetupReturnsNotRunning(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/collect/9999/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st collector.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.Running)
}

func TestSmStartRejectsSetupWithoutStateMachine(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)
	su := createSetup(t, h, in.ID)

	rec := h.do(t, http.MethodPost, "/sm/"+itoa(su.ID)+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReadingsRequiresSetupID(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/readings", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReadingsReturnsNewestFirst(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)
	su := createSetup(t, h, in.ID)

	h.do(t, http.MethodPost, "/collect/"+itoa(su.ID)+"/once", nil)
	h.do(t, http.MethodPost, "/collect/"+itoa(su.ID)+"/once", nil)

	rec := h.do(t, http.MethodGet, "/readings?setup_id="+itoa(su.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []model.Reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.False(t, list[0].Timestamp.Before(list[1].Timestamp), "newest-first: list[0] should not be older than list[1]")
}

func TestExportReadingsCSVWritesHeaderAndRows(t *testing.T) {
	h := newHarness(t)
	in := createInstrument(t, h)
	su := createSetup(t, h, in.ID)

	h.do(t, http.MethodPost, "/collect/"+itoa(su.ID)+"/once", nil)

	rec := h.do(t, http.MethodGet, "/readings/export.csv?setup_id="+itoa(su.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	reader := csv.NewReader(bytes.NewReader(rec.Body.Bytes()))
	records, err := reader.ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(records), 2)
	assert.Equal(t, "timestamp", records[0][0])
	assert.Equal(t, "voltage", records[1][6])
}

func TestHealthzReportsHealthy(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, health.StatusHealthy, snap.Overall)
}

func itoa(id int) string {
	return strconv.Itoa(id)
}
