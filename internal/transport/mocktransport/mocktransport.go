// Package mocktransport provides a deterministic, in-memory stand-in for
// internal/transport so collector and state-machine tests never open a
// real socket. Responses are matched by command prefix, mirroring the
// teacher's httpmock route-spec server.
package mocktransport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labbench/sentinel/internal/transport"
)

// RouteSpec answers one command (or command prefix) deterministically.
type RouteSpec struct {
	Prefix string
	Reply  string
	Err    error
	Delay  time.Duration
}

// Instrument is a fake addressable instrument backing zero or more
// Sessions, matching commands against its ordered route table.
type Instrument struct {
	mu      sync.Mutex
	ordered []RouteSpec
	calls   []string
}

// NewInstrument builds a mock instrument answering the given routes,
// longest prefix first so a specific route beats a catch-all.
func NewInstrument(routes ...RouteSpec) *Instrument {
	ordered := append([]RouteSpec(nil), routes...)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i].Prefix) > len(ordered[j].Prefix) })
	return &Instrument{ordered: ordered}
}

// SetRoutes replaces the instrument's route table, used by tests that
// need to change instrument behavior mid-run (e.g. simulate a drop).
func (i *Instrument) SetRoutes(routes ...RouteSpec) {
	ordered := append([]RouteSpec(nil), routes...)
	sort.SliceStable(ordered, func(a, b int) bool { return len(ordered[a].Prefix) > len(ordered[b].Prefix) })
	i.mu.Lock()
	i.ordered = ordered
	i.mu.Unlock()
}

// Calls returns every command this instrument has received, in order.
func (i *Instrument) Calls() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.calls...)
}

func (i *Instrument) respond(ctx context.Context, command string) (string, error) {
	i.mu.Lock()
	i.calls = append(i.calls, command)
	ordered := i.ordered
	i.mu.Unlock()

	for _, r := range ordered {
		if !strings.HasPrefix(command, r.Prefix) {
			continue
		}
		if r.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.Delay):
			}
		}
		if r.Err != nil {
			return "", r.Err
		}
		return r.Reply, nil
	}
	return "", fmt.Errorf("mocktransport: unmatched command %q", command)
}

// Transport is a mocktransport.Transport: an address-keyed registry of
// Instruments, implementing the same Open/Query/Write/Close shape as
// internal/transport.Transport.
type Transport struct {
	mu          sync.Mutex
	instruments map[string]*Instrument
}

// New builds an empty mock Transport.
func New() *Transport {
	return &Transport{instruments: make(map[string]*Instrument)}
}

// Register associates address with a mock Instrument.
func (t *Transport) Register(address string, inst *Instrument) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instruments[address] = inst
}

// Open returns a Session bound to the registered Instrument at address.
func (t *Transport) Open(ctx context.Context, address string, instrumentID int) (transport.Sessioner, error) {
	t.mu.Lock()
	inst, ok := t.instruments[address]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mocktransport: no instrument registered at %q", address)
	}
	return &Session{address: address, inst: inst}, nil
}

// Close is a no-op; mock instruments hold no real resources.
func (t *Transport) Close() error { return nil }

// Session implements transport.Sessioner against a mock Instrument.
type Session struct {
	address string
	inst    *Instrument
}

func (s *Session) ID() string { return "mock:" + s.address }

func (s *Session) Query(ctx context.Context, command string) (string, error) {
	return s.inst.respond(ctx, command)
}

func (s *Session) Write(ctx context.Context, command string) error {
	_, err := s.inst.respond(ctx, command)
	return err
}

func (s *Session) Close() error { return nil }
