package collector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labbench/sentinel/internal/collector"
	"github.com/labbench/sentinel/internal/model"
	"github.com/labbench/sentinel/internal/modecell"
	"github.com/labbench/sentinel/internal/readings"
	"github.com/labbench/sentinel/internal/store"
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
			{ID: 11, Name: "standby", EnableCommands: []string{"OUT:OFF"}},
		},
		SignalModeConfigs: []model.SignalModeConfig{
			{ModeID: 10, SignalID: 1, Unit: "V", ScalingFactor: 2.0},
			{ModeID: 11, SignalID: 1, Unit: "V", ScalingFactor: 2.0},
		},
	}
}

type harness struct {
	store *store.Store
	tr    *mocktransport.Transport
	inst  *mocktransport.Instrument
	ring  *readings.Ring
	cell  *modecell.Cell
	col   *collector.Collector
	in    model.Instrument
	su    model.Setup
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	in, err := st.CreateInstrument(context.Background(), model.Instrument{
		Name:       "psu-a",
		Address:    "psu1/dev",
		IsActive:   true,
		Capability: sampleCapability(),
	})
	require.NoError(t, err)

	su, err := st.CreateSetup(context.Background(), model.Setup{
		Name:        "setup-a",
		FrequencyHz: 50,
		Instruments: []model.Target{{InstrumentID: in.ID, Parameters: model.TargetParameters{ModeID: 10}}},
	})
	require.NoError(t, err)

	inst := mocktransport.NewInstrument(
		mocktransport.RouteSpec{Prefix: "MEAS:VOLT?", Reply: "1.5"},
		mocktransport.RouteSpec{Prefix: "OUT:ON", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:OFF", Reply: ""},
	)
	tr := mocktransport.New()
	tr.Register(in.Address, inst)

	ring, err := readings.Open(readings.Config{Dir: t.TempDir(), Capacity: 100, CheckpointInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ring.Close() })

	cell := modecell.New()
	col := collector.New(st, tr, ring, cell, metrics.NewNoopProvider(), logging.New(nil), tracing.Noop())

	return &harness{store: st, tr: tr, inst: inst, ring: ring, cell: cell, col: col, in: in, su: su}
}

func TestCollectNowProducesScaledReading(t *testing.T) {
	h := newHarness(t)

	reading, err := h.col.CollectNow(context.Background(), h.su.ID)
	require.NoError(t, err)

	require.Len(t, reading.Targets, 1)
	sv, ok := reading.Targets[0].Signals["voltage"]
	require.True(t, ok)
	require.NotNil(t, sv.Value)
	assert.Equal(t, 3.0, *sv.Value)
	assert.Equal(t, "V", sv.Unit)
	assert.Equal(t, "run", reading.Targets[0].ModeName)
}

func TestCollectNowActivatesModeOnce(t *testing.T) {
	h := newHarness(t)

	_, err := h.col.CollectNow(context.Background(), h.su.ID)
	require.NoError(t, err)
	_, err = h.col.CollectNow(context.Background(), h.su.ID)
	require.NoError(t, err)

	calls := h.inst.Calls()
	onCount := 0
	for _, c := range calls {
		if c == "OUT:ON" {
			onCount++
		}
	}
	assert.Equal(t, 1, onCount, "enable command should only be sent once across two collects at the same mode")
}

func TestCollectNowKeepsReadingOnPerSignalTransportError(t *testing.T) {
	h := newHarness(t)
	h.inst.SetRoutes(
		mocktransport.RouteSpec{Prefix: "MEAS:VOLT?", Err: errors.New("instrument unreachable")},
		mocktransport.RouteSpec{Prefix: "OUT:ON", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:OFF", Reply: ""},
	)

	reading, err := h.col.CollectNow(context.Background(), h.su.ID)
	require.Error(t, err, "CollectNow still reports the failure")

	require.Len(t, reading.Targets, 1)
	sv, ok := reading.Targets[0].Signals["voltage"]
	require.True(t, ok)
	assert.Nil(t, sv.Value)
	assert.NotEmpty(t, sv.Error, "the affected signal block carries the error")

	latest := h.ring.Latest(h.su.ID, 1)
	require.Len(t, latest, 1, "a reading with a failed signal is still appended to the ring")
	sv, ok = latest[0].Targets[0].Signals["voltage"]
	require.True(t, ok)
	assert.NotEmpty(t, sv.Error)
}

func TestCollectNowUnknownSetupFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.col.CollectNow(context.Background(), 99999)
	require.Error(t, err)
}

func TestStartAndStopRunsScheduledSamples(t *testing.T) {
	h := newHarness(t)

	err := h.store.UpdateSetup(context.Background(), mustHighFrequency(h.su))
	require.NoError(t, err)
	su, ok := h.store.GetSetup(h.su.ID)
	require.True(t, ok)
	h.su = su

	require.NoError(t, h.col.Start(h.su.ID))
	defer h.col.Stop(h.su.ID)

	assert.Eventually(t, func() bool {
		st, ok := h.col.Status(h.su.ID)
		return ok && st.SamplesOK > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, h.col.Running(h.su.ID))
}

func mustHighFrequency(su model.Setup) model.Setup {
	su.FrequencyHz = 200
	return su
}

func TestStopMarksNotRunning(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.col.Start(h.su.ID))
	assert.True(t, h.col.Running(h.su.ID))

	h.col.Stop(h.su.ID)
	assert.False(t, h.col.Running(h.su.ID))
}

func TestStartTwiceIsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.col.Start(h.su.ID))
	defer h.col.Stop(h.su.ID)

	err := h.col.Start(h.su.ID)
	require.NoError(t, err)
}

func TestStartUnknownSetupFails(t *testing.T) {
	h := newHarness(t)
	err := h.col.Start(99999)
	require.Error(t, err)
}
