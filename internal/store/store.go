// Package store implements C2: the JSON-backed configuration store for
// instruments and setups. Each document is guarded by its own RWMutex,
// written atomically via tempfile+rename, and validated both at the
// struct-tag level and by hand-written referential-integrity checks
// before being committed (§3 invariants).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/labbench/sentinel/internal/model"
	"github.com/labbench/sentinel/internal/xerrors"
)

var validate = validator.New()

// Store owns the instruments.json and setups.json documents.
type Store struct {
	dir string

	instMu sync.RWMutex
	inst   map[int]model.Instrument
	instNextID int

	setupMu sync.RWMutex
	setups  map[int]model.Setup
	setupNextID int

	onChange func()
}

const (
	instrumentsFile = "instruments.json"
	setupsFile      = "setups.json"
)

// Open loads (or initializes) the store's documents from dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	s := &Store{dir: dir, inst: make(map[int]model.Instrument), setups: make(map[int]model.Setup), instNextID: 1, setupNextID: 1}

	instList, err := loadList[model.Instrument](filepath.Join(dir, instrumentsFile))
	if err != nil {
		return nil, err
	}
	for _, in := range instList {
		if err := hydrateCapability(&in); err != nil {
			return nil, xerrors.NewCorruption(filepath.Join(dir, instrumentsFile), err)
		}
		s.inst[in.ID] = in
		if in.ID >= s.instNextID {
			s.instNextID = in.ID + 1
		}
	}

	setupList, err := loadList[model.Setup](filepath.Join(dir, setupsFile))
	if err != nil {
		return nil, err
	}
	for _, su := range setupList {
		s.setups[su.ID] = su
		if su.ID >= s.setupNextID {
			s.setupNextID = su.ID + 1
		}
	}

	if err := s.checkReferentialIntegrity(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnChange registers a callback invoked after any committed mutation
// (create/update/delete) and after a Watcher reload.
func (s *Store) OnChange(fn func()) { s.onChange = fn }

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

func loadList[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, xerrors.NewCorruption(path, err)
	}
	return out, nil
}

// hydrateCapability parses Instrument.Description (stored verbatim JSON
// text) into the in-memory Capability view.
func hydrateCapability(in *model.Instrument) error {
	if in.Description == "" {
		return nil
	}
	return json.Unmarshal([]byte(in.Description), &in.Capability)
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write temp %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s: %w", path, err)
	}
	return nil
}

// --- Instruments ---

// ListInstruments returns every instrument, ordered by id.
func (s *Store) ListInstruments() []model.Instrument {
	s.instMu.RLock()
	defer s.instMu.RUnlock()
	out := make([]model.Instrument, 0, len(s.inst))
	for _, in := range s.inst {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetInstrument returns one instrument by id.
func (s *Store) GetInstrument(id int) (model.Instrument, bool) {
	s.instMu.RLock()
	defer s.instMu.RUnlock()
	in, ok := s.inst[id]
	return in, ok
}

// CreateInstrument validates and persists a new instrument, assigning it
// the next monotonic id.
func (s *Store) CreateInstrument(ctx context.Context, in model.Instrument) (model.Instrument, error) {
	if err := validateCapability(in.Capability); err != nil {
		return model.Instrument{}, err
	}
	if err := s.checkInstrumentNameUnique(in.Name, 0); err != nil {
		return model.Instrument{}, err
	}
	descBytes, err := json.Marshal(in.Capability)
	if err != nil {
		return model.Instrument{}, xerrors.NewValidation("capability", err.Error())
	}
	in.Description = string(descBytes)

	if err := validate.Struct(in); err != nil {
		return model.Instrument{}, xerrors.NewValidation("instrument", err.Error())
	}

	s.instMu.Lock()
	defer s.instMu.Unlock()
	in.ID = s.instNextID
	s.instNextID++
	s.inst[in.ID] = in
	if err := s.persistInstrumentsLocked(); err != nil {
		delete(s.inst, in.ID)
		return model.Instrument{}, err
	}
	s.notify()
	return in, nil
}

// UpdateInstrument replaces an existing instrument by id.
func (s *Store) UpdateInstrument(ctx context.Context, in model.Instrument) error {
	if err := validateCapability(in.Capability); err != nil {
		return err
	}
	descBytes, err := json.Marshal(in.Capability)
	if err != nil {
		return xerrors.NewValidation("capability", err.Error())
	}
	in.Description = string(descBytes)
	if err := validate.Struct(in); err != nil {
		return xerrors.NewValidation("instrument", err.Error())
	}
	if err := s.checkInstrumentNameUnique(in.Name, in.ID); err != nil {
		return err
	}

	s.instMu.Lock()
	defer s.instMu.Unlock()
	prev, ok := s.inst[in.ID]
	if !ok {
		return xerrors.NewValidation("id", fmt.Sprintf("instrument %d does not exist", in.ID))
	}
	s.inst[in.ID] = in
	if err := s.persistInstrumentsLocked(); err != nil {
		s.inst[in.ID] = prev
		return err
	}
	s.notify()
	return nil
}

// DeleteInstrument removes an instrument, refusing if any setup targets it.
func (s *Store) DeleteInstrument(ctx context.Context, id int) error {
	s.setupMu.RLock()
	for _, su := range s.setups {
		for _, t := range su.Instruments {
			if t.InstrumentID == id {
				s.setupMu.RUnlock()
				return xerrors.NewConflict("id", fmt.Sprintf("instrument %d is referenced by setup %d", id, su.ID))
			}
		}
	}
	s.setupMu.RUnlock()

	s.instMu.Lock()
	defer s.instMu.Unlock()
	prev, ok := s.inst[id]
	if !ok {
		return xerrors.NewValidation("id", fmt.Sprintf("instrument %d does not exist", id))
	}
	delete(s.inst, id)
	if err := s.persistInstrumentsLocked(); err != nil {
		s.inst[id] = prev
		return err
	}
	s.notify()
	return nil
}

func (s *Store) persistInstrumentsLocked() error {
	out := make([]model.Instrument, 0, len(s.inst))
	for _, in := range s.inst {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return writeAtomic(filepath.Join(s.dir, instrumentsFile), out)
}

// checkInstrumentNameUnique enforces §3 invariant 5 for instruments,
// surfaced to callers as a 409 Conflict (excludeID lets an update
// compare against every *other* instrument).
func (s *Store) checkInstrumentNameUnique(name string, excludeID int) error {
	s.instMu.RLock()
	defer s.instMu.RUnlock()
	for _, in := range s.inst {
		if in.ID != excludeID && in.Name == name {
			return xerrors.NewConflict("name", fmt.Sprintf("instrument name %q already in use", name))
		}
	}
	return nil
}

// checkSetupNameUnique enforces §3 invariant 5 for setups.
func (s *Store) checkSetupNameUnique(name string, excludeID int) error {
	s.setupMu.RLock()
	defer s.setupMu.RUnlock()
	for _, su := range s.setups {
		if su.ID != excludeID && su.Name == name {
			return xerrors.NewConflict("name", fmt.Sprintf("setup name %q already in use", name))
		}
	}
	return nil
}

func validateCapability(c model.Capability) error {
	seen := make(map[int]bool)
	for _, sig := range c.Signals {
		if seen[sig.ID] {
			return xerrors.NewValidation("capability.signals", fmt.Sprintf("duplicate signal id %d", sig.ID))
		}
		seen[sig.ID] = true
	}
	modeSeen := make(map[int]bool)
	for _, m := range c.Modes {
		if modeSeen[m.ID] {
			return xerrors.NewValidation("capability.modes", fmt.Sprintf("duplicate mode id %d", m.ID))
		}
		modeSeen[m.ID] = true
	}
	for _, cfg := range c.SignalModeConfigs {
		if !modeSeen[cfg.ModeID] {
			return xerrors.NewValidation("capability.signalModeConfigs", fmt.Sprintf("unknown mode id %d", cfg.ModeID))
		}
		if !seen[cfg.SignalID] {
			return xerrors.NewValidation("capability.signalModeConfigs", fmt.Sprintf("unknown signal id %d", cfg.SignalID))
		}
	}
	return nil
}

// --- Setups ---

// ListSetups returns every setup, ordered by id.
func (s *Store) ListSetups() []model.Setup {
	s.setupMu.RLock()
	defer s.setupMu.RUnlock()
	out := make([]model.Setup, 0, len(s.setups))
	for _, su := range s.setups {
		out = append(out, su)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSetup returns one setup by id.
func (s *Store) GetSetup(id int) (model.Setup, bool) {
	s.setupMu.RLock()
	defer s.setupMu.RUnlock()
	su, ok := s.setups[id]
	return su, ok
}

// CreateSetup validates referential integrity against known instruments
// and persists a new setup with a monotonic id.
func (s *Store) CreateSetup(ctx context.Context, su model.Setup) (model.Setup, error) {
	if err := validate.Struct(su); err != nil {
		return model.Setup{}, xerrors.NewValidation("setup", err.Error())
	}
	if err := s.checkSetupNameUnique(su.Name, 0); err != nil {
		return model.Setup{}, err
	}
	if err := s.checkSetupReferentialIntegrity(su); err != nil {
		return model.Setup{}, err
	}

	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	su.ID = s.setupNextID
	s.setupNextID++
	s.setups[su.ID] = su
	if err := s.persistSetupsLocked(); err != nil {
		delete(s.setups, su.ID)
		return model.Setup{}, err
	}
	s.notify()
	return su, nil
}

// UpdateSetup replaces an existing setup by id.
func (s *Store) UpdateSetup(ctx context.Context, su model.Setup) error {
	if err := validate.Struct(su); err != nil {
		return xerrors.NewValidation("setup", err.Error())
	}
	if err := s.checkSetupNameUnique(su.Name, su.ID); err != nil {
		return err
	}
	if err := s.checkSetupReferentialIntegrity(su); err != nil {
		return err
	}

	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	prev, ok := s.setups[su.ID]
	if !ok {
		return xerrors.NewValidation("id", fmt.Sprintf("setup %d does not exist", su.ID))
	}
	s.setups[su.ID] = su
	if err := s.persistSetupsLocked(); err != nil {
		s.setups[su.ID] = prev
		return err
	}
	s.notify()
	return nil
}

// DeleteSetup removes a setup by id.
func (s *Store) DeleteSetup(ctx context.Context, id int) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	prev, ok := s.setups[id]
	if !ok {
		return xerrors.NewValidation("id", fmt.Sprintf("setup %d does not exist", id))
	}
	delete(s.setups, id)
	if err := s.persistSetupsLocked(); err != nil {
		s.setups[id] = prev
		return err
	}
	s.notify()
	return nil
}

func (s *Store) persistSetupsLocked() error {
	out := make([]model.Setup, 0, len(s.setups))
	for _, su := range s.setups {
		out = append(out, su)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return writeAtomic(filepath.Join(s.dir, setupsFile), out)
}

// checkSetupReferentialIntegrity enforces §3 invariants: every target
// instrument must exist, every transition's source/target state must
// exist, every initial state id (if set) must exist.
func (s *Store) checkSetupReferentialIntegrity(su model.Setup) error {
	s.instMu.RLock()
	defer s.instMu.RUnlock()
	for _, t := range su.Instruments {
		in, ok := s.inst[t.InstrumentID]
		if !ok {
			return xerrors.NewValidation("instruments", fmt.Sprintf("unknown instrument id %d", t.InstrumentID))
		}
		if !in.IsActive {
			return xerrors.NewValidation("instruments", fmt.Sprintf("instrument %d is not active", t.InstrumentID))
		}
		if t.Parameters.ModeID != 0 {
			if _, ok := in.Capability.ModeByID(t.Parameters.ModeID); !ok {
				return xerrors.NewValidation("instruments", fmt.Sprintf("instrument %d has no mode %d", t.InstrumentID, t.Parameters.ModeID))
			}
		}
	}
	if !su.HasStateMachine() {
		return nil
	}
	stateIDs := make(map[string]bool, len(su.States))
	for _, st := range su.States {
		stateIDs[st.ID] = true
	}
	if su.InitialStateID != "" && !stateIDs[su.InitialStateID] {
		return xerrors.NewValidation("initialStateID", fmt.Sprintf("unknown state id %q", su.InitialStateID))
	}
	for _, st := range su.States {
		for key, setting := range st.InstrumentSettings {
			instrumentID, err := parseInstrumentKey(key)
			if err != nil {
				return xerrors.NewValidation("states.instrument_settings", err.Error())
			}
			in, ok := s.inst[instrumentID]
			if !ok {
				return xerrors.NewValidation("states.instrument_settings", fmt.Sprintf("unknown instrument id %d", instrumentID))
			}
			if !in.IsActive {
				return xerrors.NewValidation("states.instrument_settings", fmt.Sprintf("instrument %d is not active", instrumentID))
			}
			if _, ok := in.Capability.ModeByID(setting.ModeID); !ok {
				return xerrors.NewValidation("states.instrument_settings", fmt.Sprintf("instrument %d has no mode %d", instrumentID, setting.ModeID))
			}
		}
	}
	for _, tr := range su.Transitions {
		if !stateIDs[tr.SourceStateID] {
			return xerrors.NewValidation("transitions", fmt.Sprintf("unknown source state id %q", tr.SourceStateID))
		}
		if !stateIDs[tr.TargetStateID] {
			return xerrors.NewValidation("transitions", fmt.Sprintf("unknown target state id %q", tr.TargetStateID))
		}
		for _, r := range tr.Rules {
			if r.Kind == model.RuleKindSensor && r.SignalName == "" {
				return xerrors.NewValidation("transitions.rules", "sensor rule missing signal_name")
			}
		}
	}
	return nil
}

// parseInstrumentKey parses a setup's state.InstrumentSettings key (a
// stringified instrument id, per §6.1) back into an int.
func parseInstrumentKey(key string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid instrument key %q: %w", key, err)
	}
	return id, nil
}

func (s *Store) checkReferentialIntegrity() error {
	s.setupMu.RLock()
	defer s.setupMu.RUnlock()
	for _, su := range s.setups {
		if err := s.checkSetupReferentialIntegrity(su); err != nil {
			return fmt.Errorf("store: setup %d: %w", su.ID, err)
		}
	}
	return nil
}
