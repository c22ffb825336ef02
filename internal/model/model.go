// Package model defines the persisted data shapes of the monitoring
// engine: instruments and their capability descriptors, monitoring
// setups and their optional state machines, and the samples the
// collector produces.
package model

import "time"

// Instrument is a single addressable piece of lab equipment.
type Instrument struct {
	ID          int        `json:"id"`
	Name        string     `json:"name" validate:"required"`
	Address     string     `json:"address" validate:"required"` // "host/device"
	Description string     `json:"description"`                // stringified Capability JSON, kept verbatim for round-trip
	IsActive    bool       `json:"is_active"`
	Capability  Capability `json:"-"` // parsed view of Description; never persisted directly
}

// Capability describes what an instrument can measure and how it can be
// configured. It is persisted inside Instrument.Description as JSON text
// for compatibility with the on-disk document shape of spec.md §6.1.
type Capability struct {
	Signals           []Signal           `json:"signals"`
	Modes             []Mode             `json:"modes"`
	SignalModeConfigs []SignalModeConfig `json:"signalModeConfigs"`
}

// Signal is a named measurable quantity queried with an opaque command.
type Signal struct {
	ID             int    `json:"id"`
	Name           string `json:"name" validate:"required"`
	MeasureCommand string `json:"measureCommand" validate:"required"`
}

// Mode is a named instrument configuration with enable/disable scripts.
type Mode struct {
	ID              int      `json:"id"`
	Name            string   `json:"name" validate:"required"`
	EnableCommands  []string `json:"enableCommands"`
	DisableCommands []string `json:"disableCommands"`
	Parameters      []Param  `json:"parameters"`
}

// Param is a named placeholder referenced as {name} in a mode's commands.
type Param struct {
	Name string `json:"name" validate:"required"`
}

// SignalModeConfig is one cell of the signal×mode matrix: the unit and
// scale factor a signal is reported in while a given mode is active.
type SignalModeConfig struct {
	ModeID        int     `json:"modeId"`
	SignalID      int     `json:"signalId"`
	Unit          string  `json:"unit"`
	ScalingFactor float64 `json:"scalingFactor"`
}

// SignalByName looks up a signal definition by name.
func (c Capability) SignalByName(name string) (Signal, bool) {
	for _, s := range c.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}

// ModeByID looks up a mode definition by id.
func (c Capability) ModeByID(id int) (Mode, bool) {
	for _, m := range c.Modes {
		if m.ID == id {
			return m, true
		}
	}
	return Mode{}, false
}

// ConfigFor returns the signal×mode cell for (signalID, modeID), if the
// signal is measured in that mode.
func (c Capability) ConfigFor(signalID, modeID int) (SignalModeConfig, bool) {
	for _, cfg := range c.SignalModeConfigs {
		if cfg.SignalID == signalID && cfg.ModeID == modeID {
			return cfg, true
		}
	}
	return SignalModeConfig{}, false
}

// SignalsForMode returns every signal configured for the given mode.
func (c Capability) SignalsForMode(modeID int) []Signal {
	out := make([]Signal, 0, len(c.Signals))
	for _, cfg := range c.SignalModeConfigs {
		if cfg.ModeID != modeID {
			continue
		}
		if s, ok := c.signalByID(cfg.SignalID); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c Capability) signalByID(id int) (Signal, bool) {
	for _, s := range c.Signals {
		if s.ID == id {
			return s, true
		}
	}
	return Signal{}, false
}

// Target pairs an instrument with per-setup parameters.
type Target struct {
	InstrumentID int               `json:"instrument_id" validate:"required"`
	Parameters   TargetParameters  `json:"parameters"`
}

// TargetParameters carries the target's own mode selection, used when no
// state machine is driving the setup (spec.md §4.4 step 1(b)).
type TargetParameters struct {
	ModeID int               `json:"modeId"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Setup is a named, persistent monitoring configuration.
type Setup struct {
	ID            int          `json:"id"`
	Name          string       `json:"name" validate:"required"`
	FrequencyHz   float64      `json:"frequency_hz" validate:"gt=0"`
	Instruments   []Target     `json:"instruments" validate:"required,min=1,dive"`
	States        []State      `json:"states,omitempty"`
	Transitions   []Transition `json:"transitions,omitempty"`
	InitialStateID string      `json:"initialStateID,omitempty"`
}

// HasStateMachine reports whether the setup defines any states at all.
func (s Setup) HasStateMachine() bool { return len(s.States) > 0 }

// StateByID looks up a state by its (setup-local) string id.
func (s Setup) StateByID(id string) (State, bool) {
	for _, st := range s.States {
		if st.ID == id {
			return st, true
		}
	}
	return State{}, false
}

// TransitionsFrom returns the transitions whose source is the given state,
// in declaration order (spec.md §4.5 tick step 3: deterministic tie-break).
func (s Setup) TransitionsFrom(stateID string) []Transition {
	out := make([]Transition, 0, len(s.Transitions))
	for _, tr := range s.Transitions {
		if tr.SourceStateID == stateID {
			out = append(out, tr)
		}
	}
	return out
}

// State is one node of a setup's state machine.
type State struct {
	ID                 string                      `json:"id" validate:"required"`
	Name               string                      `json:"name"`
	IsEndState         bool                        `json:"is_end_state"`
	InstrumentSettings map[string]InstrumentSetting `json:"instrument_settings"` // keyed by instrument id, stringified
}

// InstrumentSetting is the mode a state puts one instrument into.
type InstrumentSetting struct {
	ModeID     int               `json:"mode_id"`
	ModeParams map[string]string `json:"mode_params,omitempty"`
}

// Transition is an edge between two states, gated by the conjunction of
// its rules.
type Transition struct {
	ID            string `json:"id"`
	SourceStateID string `json:"source_state_id" validate:"required"`
	TargetStateID string `json:"target_state_id" validate:"required"`
	Rules         []Rule `json:"rules"`
}

// RuleKind tags which variant of Rule is populated.
type RuleKind string

const (
	RuleKindSensor      RuleKind = "sensor"
	RuleKindTimeInState RuleKind = "time_in_state"
	RuleKindTotalTime   RuleKind = "total_time"
)

// Operator is a sensor-rule comparison operator.
type Operator string

const (
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "="
	OpNE Operator = "!="
)

// Rule is a tagged variant: exactly one of Sensor/TimeInState/TotalTime is
// populated, selected by Kind.
type Rule struct {
	Kind RuleKind `json:"kind" validate:"required,oneof=sensor time_in_state total_time"`

	// Populated when Kind == RuleKindSensor.
	SignalName string   `json:"signal_name,omitempty"`
	Operator   Operator `json:"operator,omitempty"`
	Threshold  float64  `json:"threshold,omitempty"`

	// Populated when Kind == RuleKindTimeInState or RuleKindTotalTime.
	Seconds float64 `json:"seconds,omitempty"`
}

// Reading is one produced sample for a setup at one instant.
type Reading struct {
	Timestamp time.Time      `json:"timestamp"`
	SetupID   int            `json:"setup_id"`
	SetupName string         `json:"setup_name"`
	Targets   []TargetBlock  `json:"targets"`
}

// TargetBlock is the per-target slice of a Reading.
type TargetBlock struct {
	InstrumentID   int                    `json:"instrument_id"`
	InstrumentName string                 `json:"instrument_name"`
	ModeName       string                 `json:"mode_name"`
	Signals        map[string]SignalValue `json:"signals"`
}

// SignalValue is one measured (or failed) signal reading.
type SignalValue struct {
	Value       *float64 `json:"value"`
	RawValue    *float64 `json:"raw_value"`
	Unit        string   `json:"unit"`
	RawResponse string   `json:"raw_response"`
	Error       string   `json:"error,omitempty"`
}

// FindSignalValue locates the value of signalName within the first target
// block whose measured signals include it (spec.md §4.5 step 4, sensor
// rule evaluation).
func (r Reading) FindSignalValue(signalName string) (SignalValue, bool) {
	for _, tb := range r.Targets {
		if sv, ok := tb.Signals[signalName]; ok {
			return sv, true
		}
	}
	return SignalValue{}, false
}
