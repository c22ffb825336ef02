// Package statemachine implements C5: a per-setup, 1 Hz tick loop that
// evaluates a setup's transition rules against the latest reading and
// elapsed-time counters, drives instrument mode changes on state entry,
// and tears the setup's task down on reaching an end state.
package statemachine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/labbench/sentinel/internal/collector"
	"github.com/labbench/sentinel/internal/model"
	"github.com/labbench/sentinel/internal/modecell"
	"github.com/labbench/sentinel/internal/modeops"
	"github.com/labbench/sentinel/internal/readings"
	"github.com/labbench/sentinel/internal/store"
	"github.com/labbench/sentinel/internal/telemetry/logging"
	"github.com/labbench/sentinel/internal/telemetry/metrics"
	"github.com/labbench/sentinel/internal/telemetry/tracing"
	"github.com/labbench/sentinel/internal/transport"
	"github.com/labbench/sentinel/internal/xerrors"
)

const tickInterval = time.Second

// Status is the engine's point-in-time view of one setup's state
// machine task, retaining the previous status so a caller can compute a
// transitioned_at-style delta (SPEC_FULL Supplemented Features #4).
type Status struct {
	SetupID         int       `json:"setup_id"`
	SessionID       string    `json:"session_id,omitempty"`
	Running         bool      `json:"running"`
	CurrentStateID  string    `json:"current_state_id,omitempty"`
	EnteredStateAt  time.Time `json:"entered_state_at,omitempty"`
	Ended           bool      `json:"ended"`
	LastError       string    `json:"last_error,omitempty"`
	TransitionCount int64     `json:"transition_count"`
	Previous        *Status   `json:"previous,omitempty"`
}

// Engine schedules and runs the per-setup state-machine tasks. Driving a
// setup implies collecting (spec.md §3 Lifecycle), so the Engine holds a
// reference to the Collector it starts/stops alongside its own task.
type Engine struct {
	store     *store.Store
	transport transport.Client
	ring      *readings.Ring
	modes     *modecell.Cell
	collector *collector.Collector
	logger    logging.Logger
	tracer    *tracing.Tracer

	transitionsCounter metrics.Counter

	mu    sync.Mutex
	tasks map[int]*task
}

// New builds a state-machine Engine.
func New(st *store.Store, tr transport.Client, ring *readings.Ring, cell *modecell.Cell, col *collector.Collector, mp metrics.Provider, log logging.Logger, tracer *tracing.Tracer) *Engine {
	return &Engine{
		store: st, transport: tr, ring: ring, modes: cell, collector: col,
		logger: log, tracer: tracer,
		tasks: make(map[int]*task),
		transitionsCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "sentinel", Subsystem: "statemachine", Name: metrics.NameTransitionsTotal,
			Help: "state transitions taken", Labels: []string{"setup_id", "from", "to"},
		}}),
	}
}

// Start begins driving setupID's state machine from its InitialStateID,
// preconditioned per §4.5: initial_state_id must be set, must reference
// a state of the setup, and that state must not already be an end
// state. On success it also starts the Data Collector for this setup if
// it is not already running (driving implies collecting).
func (e *Engine) Start(setupID int) error {
	su, ok := e.store.GetSetup(setupID)
	if !ok {
		return xerrors.NewValidation("setup_id", fmt.Sprintf("setup %d does not exist", setupID))
	}
	if !su.HasStateMachine() {
		return xerrors.NewValidation("setup_id", fmt.Sprintf("setup %d has no state machine", setupID))
	}
	if su.InitialStateID == "" {
		return xerrors.NewValidation("initialStateID", "setup has no initial state configured")
	}
	initial, ok := su.StateByID(su.InitialStateID)
	if !ok {
		return xerrors.NewValidation("initialStateID", fmt.Sprintf("unknown state id %q", su.InitialStateID))
	}
	if initial.IsEndState {
		return xerrors.NewValidation("initialStateID", fmt.Sprintf("state %q is an end state", initial.ID))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, running := e.tasks[setupID]; running && !existing.status.Load().Ended {
		return nil
	}

	if err := e.collector.Start(setupID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{engine: e, setupID: setupID, cancel: cancel, sessionID: uuid.New()}
	t.status.Store(&Status{SetupID: setupID, SessionID: t.sessionID.String(), Running: true, CurrentStateID: initial.ID})
	e.tasks[setupID] = t

	t.wg.Add(1)
	go t.run(ctx, initial.ID)
	return nil
}

// Stop cancels setupID's state-machine task, waits for it to exit, and
// stops its collector (§4.5 stop: "instruct C4 to stop this setup").
// Idempotent.
func (e *Engine) Stop(setupID int) {
	e.mu.Lock()
	t, ok := e.tasks[setupID]
	if ok {
		delete(e.tasks, setupID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	t.wg.Wait()
	e.collector.Stop(setupID)
	t.sendDisableCommands(context.Background())
}

// StopAll cancels every running task.
func (e *Engine) StopAll() {
	e.mu.Lock()
	tasks := make([]*task, 0, len(e.tasks))
	for id, t := range e.tasks {
		tasks = append(tasks, t)
		delete(e.tasks, id)
	}
	e.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		t.wg.Wait()
	}
}

// Status reports the current state of setupID's task.
func (e *Engine) Status(setupID int) (Status, bool) {
	e.mu.Lock()
	t, ok := e.tasks[setupID]
	e.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return *t.status.Load(), true
}

// Running reports whether setupID currently has an active task.
func (e *Engine) Running(setupID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[setupID]
	return ok && t.status.Load().Running
}

type task struct {
	engine    *Engine
	setupID   int
	sessionID uuid.UUID
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	status    atomic.Pointer[Status]

	enteredAt    time.Time
	runStartedAt time.Time
}

// run is the per-setup 1 Hz tick loop, isolated by a recovered panic so
// one setup's state machine never disrupts another (§7). Deadlines are
// computed from a fixed anchor, matching the collector's drift
// correction (§4.5).
func (t *task) run(ctx context.Context, initialStateID string) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			ie := xerrors.NewInternal(t.setupID, r)
			t.engine.logger.ErrorCtx(ctx, "state machine task panicked", "error", ie.Error())
			st := *t.status.Load()
			st.Running = false
			st.LastError = ie.Error()
			t.status.Store(&st)
		}
	}()

	t.runStartedAt = time.Now()
	t.enteredAt = t.runStartedAt

	if err := t.enterState(ctx, initialStateID, nil); err != nil {
		t.engine.logger.ErrorCtx(ctx, "initial state entry failed", "setup_id", t.setupID, "error", err)
		st := *t.status.Load()
		st.LastError = err.Error()
		t.status.Store(&st)
	}
	if t.isEndState(initialStateID) {
		t.finish(ctx)
		return
	}

	start := time.Now()
	var n int64
	for {
		n++
		next := start.Add(time.Duration(n) * tickInterval)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if done := t.tick(ctx); done {
				return
			}
		}
	}
}

// tick evaluates the current state's outgoing transitions and takes the
// first whose rules are all satisfied. Returns true if the task has
// reached an end state and torn itself down, or if the setup no longer
// exists in the store (the loop then exits without teardown).
func (t *task) tick(ctx context.Context) bool {
	tickCtx, span := t.engine.tracer.StartTick(ctx, t.setupID)
	defer span.End()

	su, ok := t.engine.store.GetSetup(t.setupID)
	if !ok {
		t.engine.logger.ErrorCtx(ctx, "setup vanished from store", "setup_id", t.setupID)
		return true
	}

	current := t.status.Load().CurrentStateID
	for _, tr := range su.TransitionsFrom(current) {
		if t.rulesSatisfied(tr, su) {
			tracing.RecordTransition(tickCtx, t.setupID, tr.SourceStateID, tr.TargetStateID, tr.ID)
			t.engine.transitionsCounter.Inc(1, fmt.Sprint(t.setupID), tr.SourceStateID, tr.TargetStateID)
			if err := t.enterState(tickCtx, tr.TargetStateID, &tr); err != nil {
				t.engine.logger.ErrorCtx(ctx, "state entry failed", "setup_id", t.setupID, "error", err)
			}
			if t.isEndState(tr.TargetStateID) {
				t.finish(ctx)
				return true
			}
			return false
		}
	}
	return false
}

func (t *task) isEndState(stateID string) bool {
	su, ok := t.engine.store.GetSetup(t.setupID)
	if !ok {
		return false
	}
	st, ok := su.StateByID(stateID)
	return ok && st.IsEndState
}

// rulesSatisfied reports whether every rule on tr evaluates true
// (conjunction, §4.5 step 3/4).
func (t *task) rulesSatisfied(tr model.Transition, su model.Setup) bool {
	if len(tr.Rules) == 0 {
		// A transition with zero rules never fires (§4.5 edge cases):
		// otherwise it would trigger on the first tick after state entry.
		return false
	}
	for _, rule := range tr.Rules {
		if !t.evaluate(rule, su) {
			return false
		}
	}
	return true
}

// evaluate implements the three rule kinds (§4.5 step 4). A sensor rule
// referencing a signal not present in the latest reading evaluates to
// false, never an error (§9 decision).
func (t *task) evaluate(rule model.Rule, su model.Setup) bool {
	switch rule.Kind {
	case model.RuleKindTimeInState:
		return time.Since(t.enteredAt) >= durationOf(rule.Seconds)
	case model.RuleKindTotalTime:
		return time.Since(t.runStartedAt) >= durationOf(rule.Seconds)
	case model.RuleKindSensor:
		latest := t.engine.ring.Latest(su.ID, 1)
		if len(latest) == 0 {
			return false
		}
		sv, ok := latest[0].FindSignalValue(rule.SignalName)
		if !ok || sv.Value == nil {
			return false
		}
		return compare(*sv.Value, rule.Operator, rule.Threshold)
	default:
		return false
	}
}

func durationOf(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// equalityEpsilon is the tolerance `=`/`!=` sensor rules compare within
// (§4.5 step 4: "equality uses |a - b| <= epsilon with epsilon = 1e-9").
const equalityEpsilon = 1e-9

func compare(value float64, op model.Operator, threshold float64) bool {
	switch op {
	case model.OpGT:
		return value > threshold
	case model.OpGE:
		return value >= threshold
	case model.OpLT:
		return value < threshold
	case model.OpLE:
		return value <= threshold
	case model.OpEQ:
		return math.Abs(value-threshold) <= equalityEpsilon
	case model.OpNE:
		return math.Abs(value-threshold) > equalityEpsilon
	default:
		return false
	}
}

// enterState applies a state's instrument settings and records it as
// current. fromTransition is nil only for the initial state entry.
func (t *task) enterState(ctx context.Context, stateID string, fromTransition *model.Transition) error {
	su, ok := t.engine.store.GetSetup(t.setupID)
	if !ok {
		return xerrors.NewValidation("setup_id", fmt.Sprintf("setup %d no longer exists", t.setupID))
	}
	state, ok := su.StateByID(stateID)
	if !ok {
		return xerrors.NewValidation("state_id", fmt.Sprintf("unknown state %q", stateID))
	}

	var firstErr error
	for instrumentKey, setting := range state.InstrumentSettings {
		if err := t.applyInstrumentSetting(ctx, su, instrumentKey, setting); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.enteredAt = time.Now()
	prev := t.status.Load()
	prevFlat := *prev
	prevFlat.Previous = nil
	next := &Status{
		SetupID:         t.setupID,
		SessionID:       t.sessionID.String(),
		Running:         true,
		CurrentStateID:  stateID,
		EnteredStateAt:  t.enteredAt,
		TransitionCount: prev.TransitionCount + 1,
		Previous:        &prevFlat,
	}
	if firstErr != nil {
		next.LastError = firstErr.Error()
	}
	t.status.Store(next)
	t.engine.logger.InfoCtx(ctx, "state entered", "setup_id", t.setupID, "state_id", stateID)
	return firstErr
}

func (t *task) applyInstrumentSetting(ctx context.Context, su model.Setup, instrumentKey string, setting model.InstrumentSetting) error {
	instrumentID, err := parseInstrumentKey(instrumentKey)
	if err != nil {
		return xerrors.NewValidation("instrument_settings", err.Error())
	}
	in, ok := t.engine.store.GetInstrument(instrumentID)
	if !ok {
		return xerrors.NewValidation("instrument_settings", fmt.Sprintf("unknown instrument %d", instrumentID))
	}
	newMode, ok := in.Capability.ModeByID(setting.ModeID)
	if !ok {
		return xerrors.NewValidation("instrument_settings", fmt.Sprintf("instrument %d has no mode %d", instrumentID, setting.ModeID))
	}

	prevID, hadPrev := t.engine.modes.Current(su.ID, instrumentID)
	if !t.engine.modes.Activate(su.ID, instrumentID, setting.ModeID) {
		t.engine.modes.SetDesired(su.ID, instrumentID, setting.ModeID)
		return nil
	}

	session, err := t.engine.transport.Open(ctx, in.Address, instrumentID)
	if err != nil {
		return err
	}
	var oldMode *model.Mode
	if hadPrev && prevID != setting.ModeID {
		if m, ok := in.Capability.ModeByID(prevID); ok {
			oldMode = &m
		}
	}
	if err := modeops.Activate(ctx, session, oldMode, newMode, setting.ModeParams); err != nil {
		return err
	}
	t.engine.modes.SetDesired(su.ID, instrumentID, setting.ModeID)
	return nil
}

func parseInstrumentKey(key string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid instrument key %q: %w", key, err)
	}
	return id, nil
}

// finish tears the task down on reaching an end state (§4.5 "Enter
// state" step 3: entering an end state calls stop(setup_id)): sends
// disable commands for each instrument's currently active mode (best
// effort), clears the mode cell's claim so a future run starts clean,
// stops the setup's collector, and marks the status ended. The ended
// task stays registered so Status keeps reporting it; Start replaces an
// ended task and Stop removes it.
func (t *task) finish(ctx context.Context) {
	t.sendDisableCommands(ctx)

	t.engine.collector.Stop(t.setupID)

	prev := t.status.Load()
	prevFlat := *prev
	prevFlat.Previous = nil
	next := &Status{
		SetupID:         t.setupID,
		SessionID:       t.sessionID.String(),
		Running:         false,
		CurrentStateID:  prev.CurrentStateID,
		EnteredStateAt:  prev.EnteredStateAt,
		Ended:           true,
		TransitionCount: prev.TransitionCount,
		Previous:        &prevFlat,
	}
	t.status.Store(next)
	t.engine.logger.InfoCtx(ctx, "state machine reached end state", "setup_id", t.setupID, "state_id", prev.CurrentStateID)
}

// sendDisableCommands best-effort disables whatever mode is currently
// active on each of the setup's instruments and clears the mode cell's
// claim on them, matching §4.5 stop()'s teardown contract. Errors are
// logged, never returned: a stop must always complete.
func (t *task) sendDisableCommands(ctx context.Context) {
	su, ok := t.engine.store.GetSetup(t.setupID)
	if !ok {
		return
	}
	for _, target := range su.Instruments {
		instrumentID := target.InstrumentID
		modeID, had := t.engine.modes.Current(su.ID, instrumentID)
		t.engine.modes.ClearDesired(su.ID, instrumentID)
		t.engine.modes.Forget(su.ID, instrumentID)
		if !had {
			continue
		}
		in, ok := t.engine.store.GetInstrument(instrumentID)
		if !ok {
			continue
		}
		mode, ok := in.Capability.ModeByID(modeID)
		if !ok || len(mode.DisableCommands) == 0 {
			continue
		}
		session, err := t.engine.transport.Open(ctx, in.Address, instrumentID)
		if err != nil {
			t.engine.logger.WarnCtx(ctx, "disable on stop: open session failed", "setup_id", su.ID, "instrument_id", instrumentID, "error", err)
			continue
		}
		for _, cmd := range mode.DisableCommands {
			resolved, err := modeops.Substitute(mode.ID, cmd, nil)
			if err != nil {
				t.engine.logger.WarnCtx(ctx, "disable on stop: parameter substitution failed", "setup_id", su.ID, "instrument_id", instrumentID, "error", err)
				break
			}
			if err := session.Write(ctx, resolved); err != nil {
				t.engine.logger.WarnCtx(ctx, "disable on stop: write failed", "setup_id", su.ID, "instrument_id", instrumentID, "error", err)
			}
		}
	}
}
