// Package collector implements C4: a per-setup sampling scheduler that
// ticks at a setup's configured frequency, edge-triggers instrument mode
// activation, scales measured signals, and appends the resulting
// Reading to the shared readings ring.
package collector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

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

// Status is the collector's point-in-time view of one setup's task,
// retaining the previous status alongside the current one so callers
// can report a transitioned_at-style timestamp (SPEC_FULL Supplemented
// Features #4).
type Status struct {
	SetupID        int       `json:"setup_id"`
	Running        bool      `json:"running"`
	LastSampleAt   time.Time `json:"last_sample_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	SamplesOK      int64     `json:"samples_ok"`
	SamplesFailed  int64     `json:"samples_failed"`
	CoalescedTicks int64     `json:"coalesced_ticks"`
	Previous       *Status   `json:"previous,omitempty"`
}

// Collector schedules and runs the per-setup sampling tasks.
type Collector struct {
	store     *store.Store
	transport transport.Client
	ring      *readings.Ring
	modes     *modecell.Cell
	logger    logging.Logger
	tracer    *tracing.Tracer

	coalescedCounter metrics.Counter
	samplesOK        metrics.Counter
	samplesFailed    metrics.Counter

	mu    sync.Mutex
	tasks map[int]*task
}

// New builds a Collector. Pass metrics.NewNoopProvider() and
// tracing.Noop() when telemetry is disabled.
func New(st *store.Store, tr transport.Client, ring *readings.Ring, cell *modecell.Cell, mp metrics.Provider, log logging.Logger, tracer *tracing.Tracer) *Collector {
	return &Collector{
		store: st, transport: tr, ring: ring, modes: cell,
		logger: log, tracer: tracer,
		tasks: make(map[int]*task),
		coalescedCounter: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "sentinel", Subsystem: "collector", Name: metrics.NameCoalescedTicksTotal,
			Help: "ticks skipped because the previous sample was still running", Labels: []string{"setup_id"},
		}}),
		samplesOK: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "sentinel", Subsystem: "collector", Name: metrics.NameSamplesTotal,
			Help: "samples produced successfully", Labels: []string{"setup_id"},
		}}),
		samplesFailed: mp.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "sentinel", Subsystem: "collector", Name: metrics.NameSamplesFailedTotal,
			Help: "samples that failed", Labels: []string{"setup_id"},
		}}),
	}
}

// Start begins sampling setupID at its configured frequency. Starting an
// already-running setup is a no-op.
func (c *Collector) Start(setupID int) error {
	su, ok := c.store.GetSetup(setupID)
	if !ok {
		return xerrors.NewValidation("setup_id", fmt.Sprintf("setup %d does not exist", setupID))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.tasks[setupID]; running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		collector: c,
		setupID:   setupID,
		cancel:    cancel,
	}
	t.status.Store(&Status{SetupID: setupID, Running: true})
	c.tasks[setupID] = t

	t.wg.Add(1)
	go t.run(ctx, su.FrequencyHz)
	return nil
}

// Stop cancels setupID's sampling task and waits for it to exit.
func (c *Collector) Stop(setupID int) {
	c.mu.Lock()
	t, ok := c.tasks[setupID]
	if ok {
		delete(c.tasks, setupID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	t.wg.Wait()
}

// StopAll cancels every running task, used at process shutdown.
func (c *Collector) StopAll() {
	c.mu.Lock()
	tasks := make([]*task, 0, len(c.tasks))
	for id, t := range c.tasks {
		tasks = append(tasks, t)
		delete(c.tasks, id)
	}
	c.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		t.wg.Wait()
	}
}

// CollectNow performs a single sampling pass for setupID synchronously
// and returns the produced sample, regardless of whether a scheduled
// task is currently running for it (spec.md §4.4 collect_now). It goes
// through the same edge-triggered mode cell as the scheduled path (§9
// Q2: no forced re-enable).
func (c *Collector) CollectNow(ctx context.Context, setupID int) (model.Reading, error) {
	ctx, span := c.tracer.StartSample(ctx, setupID)
	defer span.End()
	reading, err := c.sample(ctx, setupID)
	if !reading.Timestamp.IsZero() {
		// A reading was assembled even if one signal failed to query: its
		// per-signal Error fields carry the failure, the sample itself is
		// not discarded (§7: transient transport errors are recorded into
		// the reading's affected signal, the scheduler continues).
		c.ring.Append(ctx, reading)
	}
	if err != nil {
		c.samplesFailed.Inc(1, strconv.Itoa(setupID))
		return reading, err
	}
	c.samplesOK.Inc(1, strconv.Itoa(setupID))
	return reading, nil
}

// Status reports the current state of setupID's task.
func (c *Collector) Status(setupID int) (Status, bool) {
	c.mu.Lock()
	t, ok := c.tasks[setupID]
	c.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return *t.status.Load(), true
}

// Running reports whether setupID currently has an active task.
func (c *Collector) Running(setupID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[setupID]
	return ok
}

type task struct {
	collector *Collector
	setupID   int
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	status    atomic.Pointer[Status]
	busy      atomic.Bool
}

// run is the per-setup ticking loop, isolated by a recovered panic so a
// single misbehaving setup never takes down the rest of the engine
// (§7). Deadlines are computed from a fixed anchor rather than
// accumulated sleeps so the period does not drift under load.
func (t *task) run(ctx context.Context, frequencyHz float64) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			ie := xerrors.NewInternal(t.setupID, r)
			t.collector.logger.ErrorCtx(ctx, "collector task panicked", "error", ie.Error())
			st := *t.status.Load()
			st.Running = false
			st.LastError = ie.Error()
			t.status.Store(&st)
		}
	}()

	period := time.Duration(float64(time.Second) / frequencyHz)
	if period <= 0 {
		period = time.Second
	}
	start := time.Now()
	var n int64

	for {
		n++
		next := start.Add(time.Duration(n) * period)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.tick(ctx)
			// Deadlines that passed while the tick ran collapse into one
			// immediate tick; the others are dropped and counted.
			if missed := int64(time.Since(start)/period) - n; missed > 1 {
				n += missed - 1
				st := *t.status.Load()
				st.CoalescedTicks += missed - 1
				t.status.Store(&st)
				t.collector.coalescedCounter.Inc(float64(missed-1), strconv.Itoa(t.setupID))
			}
		}
	}
}

func (t *task) tick(ctx context.Context) {
	if !t.busy.CompareAndSwap(false, true) {
		st := *t.status.Load()
		st.CoalescedTicks++
		t.status.Store(&st)
		t.collector.coalescedCounter.Inc(1, strconv.Itoa(t.setupID))
		return
	}
	defer t.busy.Store(false)

	sampleCtx, span := t.collector.tracer.StartSample(ctx, t.setupID)
	reading, err := t.collector.sample(sampleCtx, t.setupID)
	span.End()

	prev := t.status.Load()
	prevFlat := *prev
	prevFlat.Previous = nil // keep one level of history, not an unbounded chain
	next := &Status{
		SetupID:        t.setupID,
		Running:        true,
		SamplesOK:      prev.SamplesOK,
		SamplesFailed:  prev.SamplesFailed,
		CoalescedTicks: prev.CoalescedTicks,
		Previous:       &prevFlat,
	}
	if !reading.Timestamp.IsZero() {
		// A reading was assembled even if one signal failed to query: keep
		// it (with its per-signal Error fields) rather than dropping the
		// whole sample (§7: errors are recorded into the affected signal
		// block and last_error; the scheduler continues).
		next.LastSampleAt = reading.Timestamp
		t.collector.ring.Append(ctx, reading)
	}
	if err != nil {
		next.SamplesFailed++
		next.LastError = err.Error()
		t.collector.samplesFailed.Inc(1, strconv.Itoa(t.setupID))
		t.collector.logger.ErrorCtx(ctx, "sample failed", "setup_id", t.setupID, "error", err)
	} else {
		next.SamplesOK++
		t.collector.samplesOK.Inc(1, strconv.Itoa(t.setupID))
	}
	t.status.Store(next)
}

// sample performs one pass over every target in setupID, building a
// Reading.
func (c *Collector) sample(ctx context.Context, setupID int) (model.Reading, error) {
	su, ok := c.store.GetSetup(setupID)
	if !ok {
		return model.Reading{}, xerrors.NewValidation("setup_id", fmt.Sprintf("setup %d no longer exists", setupID))
	}

	reading := model.Reading{
		Timestamp: time.Now(),
		SetupID:   su.ID,
		SetupName: su.Name,
		Targets:   make([]model.TargetBlock, 0, len(su.Instruments)),
	}

	var firstErr error
	for _, target := range su.Instruments {
		block, err := c.sampleTarget(ctx, su, target)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		reading.Targets = append(reading.Targets, block)
	}
	return reading, firstErr
}

func (c *Collector) sampleTarget(ctx context.Context, su model.Setup, target model.Target) (model.TargetBlock, error) {
	in, ok := c.store.GetInstrument(target.InstrumentID)
	if !ok {
		return model.TargetBlock{}, xerrors.NewValidation("instrument_id", fmt.Sprintf("instrument %d no longer exists", target.InstrumentID))
	}

	modeID := c.modes.Desired(su.ID, in.ID, target.Parameters.ModeID)
	mode, ok := in.Capability.ModeByID(modeID)
	if !ok {
		return model.TargetBlock{}, xerrors.NewValidation("mode_id", fmt.Sprintf("instrument %d has no mode %d", in.ID, modeID))
	}

	block := model.TargetBlock{
		InstrumentID:   in.ID,
		InstrumentName: in.Name,
		ModeName:       mode.Name,
		Signals:        make(map[string]model.SignalValue),
	}

	session, err := c.transport.Open(ctx, in.Address, in.ID)
	if err != nil {
		return block, err
	}

	prevID, hadPrev := c.modes.Current(su.ID, in.ID)
	if c.modes.Activate(su.ID, in.ID, modeID) {
		var oldMode *model.Mode
		if hadPrev && prevID != modeID {
			if m, ok := in.Capability.ModeByID(prevID); ok {
				oldMode = &m
			}
		}
		if err := modeops.Activate(ctx, session, oldMode, mode, target.Parameters.Extra); err != nil {
			return block, err
		}
		c.logger.InfoCtx(ctx, "mode activated", "setup_id", su.ID, "instrument_id", in.ID, "mode_id", modeID)
	}

	var sampleErr error
	for _, sig := range in.Capability.SignalsForMode(modeID) {
		sv, err := c.measureSignal(ctx, in, session, sig, modeID)
		if err != nil {
			sv.Error = err.Error()
			sampleErr = err
		}
		block.Signals[sig.Name] = sv
	}
	return block, sampleErr
}

func (c *Collector) measureSignal(ctx context.Context, in model.Instrument, session transport.Sessioner, sig model.Signal, modeID int) (model.SignalValue, error) {
	transportCtx, span := c.tracer.StartTransport(ctx, "query", in.ID, in.Address)
	defer span.End()

	raw, err := session.Query(transportCtx, sig.MeasureCommand)
	if err != nil {
		return model.SignalValue{}, err
	}

	rawValue, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return model.SignalValue{RawResponse: raw}, xerrors.NewTransport(xerrors.TransportProtocol, in.Address, in.ID, err)
	}

	cfg, ok := in.Capability.ConfigFor(sig.ID, modeID)
	value := rawValue
	unit := ""
	if ok {
		unit = cfg.Unit
		if cfg.ScalingFactor != 0 {
			value = rawValue * cfg.ScalingFactor
		}
	}

	return model.SignalValue{
		Value:       &value,
		RawValue:    &rawValue,
		Unit:        unit,
		RawResponse: raw,
	}, nil
}
