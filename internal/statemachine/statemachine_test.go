package statemachine_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labbench/sentinel/internal/collector"
	"github.com/labbench/sentinel/internal/model"
	"github.com/labbench/sentinel/internal/modecell"
	"github.com/labbench/sentinel/internal/readings"
	"github.com/labbench/sentinel/internal/statemachine"
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
			{ID: 11, Name: "standby", EnableCommands: []string{"OUT:STANDBY"}, DisableCommands: []string{"OUT:OFF"}},
		},
		SignalModeConfigs: []model.SignalModeConfig{
			{ModeID: 10, SignalID: 1, Unit: "V", ScalingFactor: 1.0},
			{ModeID: 11, SignalID: 1, Unit: "V", ScalingFactor: 1.0},
		},
	}
}

type harness struct {
	store  *store.Store
	inst   *mocktransport.Instrument
	ring   *readings.Ring
	cell   *modecell.Cell
	col    *collector.Collector
	engine *statemachine.Engine
	in     model.Instrument
}

func newHarness(t *testing.T, su model.Setup) (*harness, model.Setup) {
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

	for i := range su.Instruments {
		if su.Instruments[i].InstrumentID == 0 {
			su.Instruments[i].InstrumentID = in.ID
		}
	}
	for i := range su.States {
		fixed := make(map[string]model.InstrumentSetting, len(su.States[i].InstrumentSettings))
		for key, setting := range su.States[i].InstrumentSettings {
			if key == instrumentKey(0) {
				key = instrumentKey(in.ID)
			}
			fixed[key] = setting
		}
		su.States[i].InstrumentSettings = fixed
	}

	created, err := st.CreateSetup(context.Background(), su)
	require.NoError(t, err)

	inst := mocktransport.NewInstrument(
		mocktransport.RouteSpec{Prefix: "MEAS:VOLT?", Reply: "1.0"},
		mocktransport.RouteSpec{Prefix: "OUT:ON", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:OFF", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:STANDBY", Reply: ""},
	)
	tr := mocktransport.New()
	tr.Register(in.Address, inst)

	ring, err := readings.Open(readings.Config{Dir: t.TempDir(), Capacity: 100, CheckpointInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ring.Close() })

	cell := modecell.New()
	col := collector.New(st, tr, ring, cell, metrics.NewNoopProvider(), logging.New(nil), tracing.Noop())
	engine := statemachine.New(st, tr, ring, cell, col, metrics.NewNoopProvider(), logging.New(nil), tracing.Noop())
	t.Cleanup(engine.StopAll)

	return &harness{store: st, inst: inst, ring: ring, cell: cell, col: col, engine: engine, in: in}, created
}

func instrumentKey(id int) string {
	return strconv.Itoa(id)
}

func twoStateSetup(instrumentID int) model.Setup {
	return model.Setup{
		Name:           "setup-a",
		FrequencyHz:    5,
		InitialStateID: "idle",
		Instruments:    []model.Target{{InstrumentID: instrumentID, Parameters: model.TargetParameters{ModeID: 10}}},
		States: []model.State{
			{ID: "idle", Name: "Idle", InstrumentSettings: map[string]model.InstrumentSetting{
				instrumentKey(instrumentID): {ModeID: 10},
			}},
			{ID: "done", Name: "Done", IsEndState: true, InstrumentSettings: map[string]model.InstrumentSetting{
				instrumentKey(instrumentID): {ModeID: 11},
			}},
		},
		Transitions: []model.Transition{
			{ID: "t1", SourceStateID: "idle", TargetStateID: "done", Rules: []model.Rule{
				{Kind: model.RuleKindTimeInState, Seconds: 0},
			}},
		},
	}
}

func TestStartRejectsSetupWithoutStateMachine(t *testing.T) {
	h, su := newHarness(t, model.Setup{
		Name:        "plain",
		FrequencyHz: 1,
		Instruments: []model.Target{{InstrumentID: 0}},
	})
	err := h.engine.Start(su.ID)
	require.Error(t, err)
}

func TestStartRejectsMissingInitialState(t *testing.T) {
	su := twoStateSetup(0)
	su.InitialStateID = ""
	h, created := newHarness(t, su)
	err := h.engine.Start(created.ID)
	require.Error(t, err)
}

func TestStartRejectsEndStateAsInitial(t *testing.T) {
	su := twoStateSetup(0)
	su.InitialStateID = "done"
	h, created := newHarness(t, su)
	err := h.engine.Start(created.ID)
	require.Error(t, err)
}

func TestStartDrivesToEndStateAndStops(t *testing.T) {
	h, su := newHarness(t, twoStateSetup(0))

	require.NoError(t, h.engine.Start(su.ID))
	assert.True(t, h.col.Running(su.ID), "driving implies collecting")

	assert.Eventually(t, func() bool {
		st, ok := h.engine.Status(su.ID)
		return ok && st.Ended
	}, 5*time.Second, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		return !h.col.Running(su.ID)
	}, 2*time.Second, 20*time.Millisecond, "collector should stop once the state machine ends")
}

func TestStartTwiceIsNoOp(t *testing.T) {
	su := twoStateSetup(0)
	su.Transitions = nil // never reach end state
	h, created := newHarness(t, su)

	require.NoError(t, h.engine.Start(created.ID))
	defer h.engine.Stop(created.ID)

	err := h.engine.Start(created.ID)
	require.NoError(t, err)
}

func TestStopStopsCollectorAndDisablesMode(t *testing.T) {
	su := twoStateSetup(0)
	su.Transitions = nil
	h, created := newHarness(t, su)

	require.NoError(t, h.engine.Start(created.ID))
	assert.Eventually(t, func() bool {
		st, ok := h.engine.Status(created.ID)
		return ok && st.TransitionCount >= 1
	}, 2*time.Second, 20*time.Millisecond, "wait for the initial state's instrument settings to be applied")

	h.engine.Stop(created.ID)

	assert.False(t, h.engine.Running(created.ID))
	assert.False(t, h.col.Running(created.ID))

	calls := h.inst.Calls()
	found := false
	for _, c := range calls {
		if c == "OUT:OFF" {
			found = true
		}
	}
	assert.True(t, found, "stopping a setup whose mode was active should disable it")
}

func TestTransitionWithNoRulesNeverFires(t *testing.T) {
	su := model.Setup{
		Name:           "setup-zero-rules",
		FrequencyHz:    5,
		InitialStateID: "wait",
		Instruments:    []model.Target{{InstrumentID: 0, Parameters: model.TargetParameters{ModeID: 10}}},
		States: []model.State{
			{ID: "wait", Name: "Wait"},
			{ID: "tripped", Name: "Tripped", IsEndState: true},
		},
		Transitions: []model.Transition{
			{ID: "t1", SourceStateID: "wait", TargetStateID: "tripped"}, // no Rules
		},
	}
	h, created := newHarness(t, su)

	require.NoError(t, h.engine.Start(created.ID))
	defer h.engine.Stop(created.ID)

	// give the tick loop several chances to (wrongly) fire the rule-less
	// transition before asserting it never did.
	time.Sleep(3500 * time.Millisecond)
	st, ok := h.engine.Status(created.ID)
	require.True(t, ok)
	assert.Equal(t, "wait", st.CurrentStateID)
	assert.False(t, st.Ended)
}

func TestSensorRuleEqualityUsesEpsilonTolerance(t *testing.T) {
	su := model.Setup{
		Name:           "setup-sensor-eq",
		FrequencyHz:    5,
		InitialStateID: "wait",
		Instruments:    []model.Target{{InstrumentID: 0, Parameters: model.TargetParameters{ModeID: 10}}},
		States: []model.State{
			{ID: "wait", Name: "Wait"},
			{ID: "tripped", Name: "Tripped", IsEndState: true},
		},
		Transitions: []model.Transition{
			{ID: "t1", SourceStateID: "wait", TargetStateID: "tripped", Rules: []model.Rule{
				{Kind: model.RuleKindSensor, SignalName: "voltage", Operator: model.OpEQ, Threshold: 4.19},
			}},
		},
	}
	h, created := newHarness(t, su)

	require.NoError(t, h.engine.Start(created.ID))
	defer h.engine.Stop(created.ID)

	assert.Eventually(t, func() bool {
		st, ok := h.engine.Status(created.ID)
		return ok && st.CurrentStateID == "wait" && !st.Ended
	}, 2*time.Second, 20*time.Millisecond)

	// a value that differs from the threshold only by float rounding noise
	// (well under epsilon) must still satisfy `=`.
	nearlyEqual := 4.19 + 1e-12
	h.ring.Append(context.Background(), model.Reading{
		SetupID:   created.ID,
		Timestamp: time.Now(),
		Targets: []model.TargetBlock{{
			InstrumentID: h.in.ID,
			Signals:      map[string]model.SignalValue{"voltage": {Value: &nearlyEqual}},
		}},
	})
	// the running collector keeps appending its own samples, so the mock
	// instrument is switched to report the same value.
	h.inst.SetRoutes(
		mocktransport.RouteSpec{Prefix: "MEAS:VOLT?", Reply: strconv.FormatFloat(nearlyEqual, 'g', -1, 64)},
		mocktransport.RouteSpec{Prefix: "OUT:ON", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:OFF", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:STANDBY", Reply: ""},
	)

	assert.Eventually(t, func() bool {
		st, ok := h.engine.Status(created.ID)
		return ok && st.Ended
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSensorRuleTransitionsOnThreshold(t *testing.T) {
	su := model.Setup{
		Name:           "setup-sensor",
		FrequencyHz:    5,
		InitialStateID: "wait",
		Instruments:    []model.Target{{InstrumentID: 0, Parameters: model.TargetParameters{ModeID: 10}}},
		States: []model.State{
			{ID: "wait", Name: "Wait"},
			{ID: "tripped", Name: "Tripped", IsEndState: true},
		},
		Transitions: []model.Transition{
			{ID: "t1", SourceStateID: "wait", TargetStateID: "tripped", Rules: []model.Rule{
				{Kind: model.RuleKindSensor, SignalName: "voltage", Operator: model.OpGE, Threshold: 10.0},
			}},
		},
	}
	h, created := newHarness(t, su)

	require.NoError(t, h.engine.Start(created.ID))
	defer h.engine.Stop(created.ID)

	assert.Eventually(t, func() bool {
		st, ok := h.engine.Status(created.ID)
		return ok && st.CurrentStateID == "wait" && !st.Ended
	}, 2*time.Second, 20*time.Millisecond)

	over := 12.0
	h.ring.Append(context.Background(), model.Reading{
		SetupID:   created.ID,
		Timestamp: time.Now(),
		Targets: []model.TargetBlock{{
			InstrumentID: h.in.ID,
			Signals:      map[string]model.SignalValue{"voltage": {Value: &over}},
		}},
	})
	// the running collector keeps appending its own samples, so the mock
	// instrument is switched to report the same value.
	h.inst.SetRoutes(
		mocktransport.RouteSpec{Prefix: "MEAS:VOLT?", Reply: strconv.FormatFloat(over, 'g', -1, 64)},
		mocktransport.RouteSpec{Prefix: "OUT:ON", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:OFF", Reply: ""},
		mocktransport.RouteSpec{Prefix: "OUT:STANDBY", Reply: ""},
	)

	assert.Eventually(t, func() bool {
		st, ok := h.engine.Status(created.ID)
		return ok && st.Ended
	}, 3*time.Second, 20*time.Millisecond)
}
