// Package httpapi implements the HTTP/JSON control surface of §6.2: a
// thin, gorilla/mux-routed adapter over the Configuration store, the
// Data Collector, and the State Machine Engine, plus the transport, the
// readings ring and the health evaluator. It holds no domain logic of
// its own — every handler decodes a request, calls into those services,
// and maps the result (or error) onto the status codes of §6.2.
package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/labbench/sentinel/internal/collector"
	"github.com/labbench/sentinel/internal/model"
	"github.com/labbench/sentinel/internal/readings"
	"github.com/labbench/sentinel/internal/statemachine"
	"github.com/labbench/sentinel/internal/store"
	"github.com/labbench/sentinel/internal/telemetry/health"
	"github.com/labbench/sentinel/internal/telemetry/logging"
	"github.com/labbench/sentinel/internal/telemetry/metrics"
	"github.com/labbench/sentinel/internal/transport"
	"github.com/labbench/sentinel/internal/xerrors"
)

// Server wires the control surface's handlers to the engine's services.
type Server struct {
	store      *store.Store
	ring       *readings.Ring
	collector  *collector.Collector
	engine     *statemachine.Engine
	transport  transport.Client
	health     *health.Evaluator
	metrics    metrics.Provider
	logger     logging.Logger
	router     *mux.Router
}

// New builds a Server and registers every route named in §6.2.
func New(st *store.Store, ring *readings.Ring, col *collector.Collector, eng *statemachine.Engine, tr transport.Client, he *health.Evaluator, mp metrics.Provider, log logging.Logger) *Server {
	s := &Server{store: st, ring: ring, collector: col, engine: eng, transport: tr, health: he, metrics: mp, logger: log}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// ServeHTTP lets Server itself be passed to http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/instruments", s.listInstruments).Methods(http.MethodGet)
	r.HandleFunc("/instruments", s.createInstrument).Methods(http.MethodPost)
	r.HandleFunc("/instruments/{id}", s.updateInstrument).Methods(http.MethodPut)
	r.HandleFunc("/instruments/{id}", s.deleteInstrument).Methods(http.MethodDelete)
	r.HandleFunc("/instruments/{id}/command", s.instrumentCommand).Methods(http.MethodPost)

	r.HandleFunc("/setups", s.listSetups).Methods(http.MethodGet)
	r.HandleFunc("/setups", s.createSetup).Methods(http.MethodPost)
	r.HandleFunc("/setups/{id}", s.updateSetup).Methods(http.MethodPut)
	r.HandleFunc("/setups/{id}", s.deleteSetup).Methods(http.MethodDelete)

	r.HandleFunc("/collect/{id}/start", s.collectStart).Methods(http.MethodPost)
	r.HandleFunc("/collect/{id}/stop", s.collectStop).Methods(http.MethodPost)
	r.HandleFunc("/collect/{id}/once", s.collectOnce).Methods(http.MethodPost)
	r.HandleFunc("/collect/{id}/status", s.collectStatus).Methods(http.MethodGet)

	r.HandleFunc("/sm/{id}/start", s.smStart).Methods(http.MethodPost)
	r.HandleFunc("/sm/{id}/stop", s.smStop).Methods(http.MethodPost)
	r.HandleFunc("/sm/{id}/status", s.smStatus).Methods(http.MethodGet)

	r.HandleFunc("/readings", s.listReadings).Methods(http.MethodGet)
	r.HandleFunc("/readings/export.csv", s.exportReadingsCSV).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if promP, ok := s.metrics.(interface{ MetricsHandler() http.Handler }); ok {
		r.Handle("/metrics", promP.MetricsHandler()).Methods(http.MethodGet)
	}
}

// --- wire request/response shapes ---

// instrumentRequest is the POST /instruments body: a full instrument
// definition with its capability nested rather than pre-stringified,
// since model.Instrument.Description is a derived, round-tripped field
// (§9 "opaque JSON in a string field").
type instrumentRequest struct {
	Name       string           `json:"name"`
	Address    string           `json:"address"`
	IsActive   bool             `json:"is_active"`
	Capability model.Capability `json:"capability"`
}

func (r instrumentRequest) toModel() model.Instrument {
	return model.Instrument{Name: r.Name, Address: r.Address, IsActive: r.IsActive, Capability: r.Capability}
}

// instrumentPatch is the PUT /instruments/{id} body: every field is
// optional, mirroring the teacher CLI's pointer-field config overlay
// (cli/cmd/ariadne/main.go applySimpleConfig) so an update only touches
// the fields the caller actually sent.
type instrumentPatch struct {
	Name       *string           `json:"name"`
	Address    *string           `json:"address"`
	IsActive   *bool             `json:"is_active"`
	Capability *model.Capability `json:"capability"`
}

func (p instrumentPatch) apply(base model.Instrument) model.Instrument {
	if p.Name != nil {
		base.Name = *p.Name
	}
	if p.Address != nil {
		base.Address = *p.Address
	}
	if p.IsActive != nil {
		base.IsActive = *p.IsActive
	}
	if p.Capability != nil {
		base.Capability = *p.Capability
	}
	return base
}

type setupRequest struct {
	Name           string             `json:"name"`
	FrequencyHz    float64            `json:"frequency_hz"`
	Instruments    []model.Target     `json:"instruments"`
	States         []model.State      `json:"states,omitempty"`
	Transitions    []model.Transition `json:"transitions,omitempty"`
	InitialStateID string             `json:"initialStateID,omitempty"`
}

func (r setupRequest) toModel() model.Setup {
	return model.Setup{
		Name: r.Name, FrequencyHz: r.FrequencyHz, Instruments: r.Instruments,
		States: r.States, Transitions: r.Transitions, InitialStateID: r.InitialStateID,
	}
}

type setupPatch struct {
	Name           *string            `json:"name"`
	FrequencyHz    *float64           `json:"frequency_hz"`
	Instruments    []model.Target     `json:"instruments"`
	States         []model.State      `json:"states"`
	Transitions    []model.Transition `json:"transitions"`
	InitialStateID *string            `json:"initialStateID"`
}

func (p setupPatch) apply(base model.Setup) model.Setup {
	if p.Name != nil {
		base.Name = *p.Name
	}
	if p.FrequencyHz != nil {
		base.FrequencyHz = *p.FrequencyHz
	}
	if p.Instruments != nil {
		base.Instruments = p.Instruments
	}
	if p.States != nil {
		base.States = p.States
	}
	if p.Transitions != nil {
		base.Transitions = p.Transitions
	}
	if p.InitialStateID != nil {
		base.InitialStateID = *p.InitialStateID
	}
	return base
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Response string `json:"response"`
}

type runningResponse struct {
	Running bool `json:"running"`
}

// --- instruments ---

func (s *Server) listInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListInstruments())
}

func (s *Server) createInstrument(w http.ResponseWriter, r *http.Request) {
	var req instrumentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in, err := s.store.CreateInstrument(r.Context(), req.toModel())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) updateInstrument(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	existing, ok := s.store.GetInstrument(id)
	if !ok {
		writeNotFound(w, "instrument", id)
		return
	}
	var patch instrumentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	updated := patch.apply(existing)
	updated.ID = id
	if err := s.store.UpdateInstrument(r.Context(), updated); err != nil {
		writeError(w, err)
		return
	}
	result, _ := s.store.GetInstrument(id)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteInstrument(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteInstrument(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) instrumentCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	in, ok := s.store.GetInstrument(id)
	if !ok {
		writeNotFound(w, "instrument", id)
		return
	}
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := s.transport.Open(r.Context(), in.Address, id)
	if err != nil {
		writeError(w, err)
		return
	}

	if strings.HasSuffix(strings.TrimSpace(req.Command), "?") {
		reply, err := session.Query(r.Context(), req.Command)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{Response: reply})
		return
	}
	if err := session.Write(r.Context(), req.Command); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Response: "ok"})
}

// --- setups ---

func (s *Server) listSetups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListSetups())
}

func (s *Server) createSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	su, err := s.store.CreateSetup(r.Context(), req.toModel())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, su)
}

func (s *Server) updateSetup(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	existing, ok := s.store.GetSetup(id)
	if !ok {
		writeNotFound(w, "setup", id)
		return
	}
	var patch setupPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	updated := patch.apply(existing)
	updated.ID = id
	if err := s.store.UpdateSetup(r.Context(), updated); err != nil {
		writeError(w, err)
		return
	}
	result, _ := s.store.GetSetup(id)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) deleteSetup(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSetup(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- collector (C4) ---

func (s *Server) collectStart(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.collector.Start(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runningResponse{Running: true})
}

func (s *Server) collectStop(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	s.collector.Stop(id)
	writeJSON(w, http.StatusOK, runningResponse{Running: false})
}

func (s *Server) collectOnce(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	reading, err := s.collector.CollectNow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) collectStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	st, ok := s.collector.Status(id)
	if !ok {
		writeJSON(w, http.StatusOK, collector.Status{SetupID: id, Running: false})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- state machine engine (C5) ---

func (s *Server) smStart(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.engine.Start(id); err != nil {
		writeError(w, err)
		return
	}
	st, _ := s.engine.Status(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) smStop(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	s.engine.Stop(id)
	writeJSON(w, http.StatusOK, runningResponse{Running: false})
}

func (s *Server) smStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	st, ok := s.engine.Status(id)
	if !ok {
		writeJSON(w, http.StatusOK, statemachine.Status{SetupID: id, Running: false})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- readings (C3) ---

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	setupID, ok := queryInt(w, r, "setup_id")
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = v
	}
	out := s.ring.Latest(setupID, limit)
	// newest-first per §6.2, Latest returns chronological order
	reversed := make([]model.Reading, len(out))
	for i, rd := range out {
		reversed[len(out)-1-i] = rd
	}
	writeJSON(w, http.StatusOK, reversed)
}

func (s *Server) exportReadingsCSV(w http.ResponseWriter, r *http.Request) {
	setupID, ok := queryInt(w, r, "setup_id")
	if !ok {
		return
	}
	readingsList := s.ring.Since(setupID, time.Time{})

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=setup-%d-readings.csv", setupID))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"timestamp", "setup_id", "setup_name", "instrument_id", "instrument_name", "mode_name", "signal_name", "value", "raw_value", "unit", "raw_response", "error"})
	for _, rd := range readingsList {
		for _, tb := range rd.Targets {
			for name, sv := range tb.Signals {
				_ = cw.Write([]string{
					rd.Timestamp.UTC().Format(time.RFC3339Nano),
					strconv.Itoa(rd.SetupID),
					rd.SetupName,
					strconv.Itoa(tb.InstrumentID),
					tb.InstrumentName,
					tb.ModeName,
					name,
					floatOrEmpty(sv.Value),
					floatOrEmpty(sv.RawValue),
					sv.Unit,
					sv.RawResponse,
					sv.Error,
				})
			}
		}
	}
	cw.Flush()
}

func floatOrEmpty(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// --- health ---

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Evaluate(r.Context())
	status := http.StatusOK
	if snap.Overall == health.StatusUnhealthy || snap.Overall == health.StatusUnknown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// --- plumbing ---

func idParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid id %q", raw)})
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("%s must be an integer", name)})
		return 0, false
	}
	return v, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("malformed request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter, kind string, id int) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%s %d not found", kind, id)})
}

// writeError maps the engine's error taxonomy (§7) onto HTTP status
// codes (§6.2): ValidationError/ParameterMissingError -> 400,
// ConflictError -> 409, a timed-out TransportError -> 504, any other
// TransportError -> 502, everything else -> 500.
func writeError(w http.ResponseWriter, err error) {
	var verr *xerrors.ValidationError
	var cerr *xerrors.ConflictError
	var perr *xerrors.ParameterMissingError
	var terr *xerrors.TransportError

	switch {
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": cerr.Error()})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
	case errors.As(err, &terr) && terr.Kind == xerrors.TransportTimeout:
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": terr.Error()})
	case errors.As(err, &terr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": terr.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
