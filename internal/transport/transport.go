// Package transport implements C1: a session-oriented, deadline-bound
// client for talking to lab instruments over a line-oriented text
// protocol. Exactly one request may be in flight on a session at a
// time; callers serialize through Query/Write, which each take the
// session's lock for the duration of one round trip.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labbench/sentinel/internal/xerrors"
)

// Sessioner is the subset of Session behavior the collector and state
// machine depend on, so they can run against either a real Transport or
// mocktransport.Transport.
type Sessioner interface {
	ID() string
	Query(ctx context.Context, command string) (string, error)
	Write(ctx context.Context, command string) error
	Close() error
}

// Client opens instrument sessions. Transport and mocktransport.Transport
// both implement it.
type Client interface {
	Open(ctx context.Context, address string, instrumentID int) (Sessioner, error)
	Close() error
}

// Dialer opens the network connection backing a Session. New uses
// netDialer; NewWithDialer takes a custom one.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", address)
}

// Transport opens and tracks sessions to instruments addressed as
// "host/device" strings (spec.md §4.1).
type Transport struct {
	dialer  Dialer
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session // keyed by address
}

// New builds a Transport with the given per-call deadline.
func New(timeout time.Duration) *Transport {
	return &Transport{
		dialer:   netDialer{},
		timeout:  timeout,
		sessions: make(map[string]*Session),
	}
}

// NewWithDialer builds a Transport using a custom Dialer, for tests.
func NewWithDialer(d Dialer, timeout time.Duration) *Transport {
	return &Transport{dialer: d, timeout: timeout, sessions: make(map[string]*Session)}
}

// Open returns the live session for address, dialing a new one if none
// is cached or the cached one has gone stale.
func (t *Transport) Open(ctx context.Context, address string, instrumentID int) (Sessioner, error) {
	t.mu.Lock()
	if s, ok := t.sessions[address]; ok && !s.closed() {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	conn, err := t.dialer.Dial(ctx, address)
	if err != nil {
		return nil, xerrors.NewTransport(xerrors.TransportUnreachable, address, instrumentID, err)
	}

	s := &Session{
		id:           uuid.New(),
		address:      address,
		instrumentID: instrumentID,
		conn:         conn,
		rw:           bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		timeout:      t.timeout,
		openedAt:     time.Now(),
	}

	t.mu.Lock()
	t.sessions[address] = s
	t.mu.Unlock()
	return s, nil
}

// Close tears down every open session.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for addr, s := range t.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.sessions, addr)
	}
	return firstErr
}

// Session is one locked, addressable connection to an instrument.
type Session struct {
	id           uuid.UUID
	address      string
	instrumentID int

	mu      sync.Mutex
	conn    net.Conn
	rw      *bufio.ReadWriter
	timeout time.Duration

	openedAt time.Time
	isClosed bool
}

// ID returns the session's opaque handle, useful for log correlation.
func (s *Session) ID() string { return s.id.String() }

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// Query sends command and returns the instrument's single-line response,
// mirroring the locked request/response dance of §4.1.
func (s *Session) Query(ctx context.Context, command string) (string, error) {
	return s.roundTrip(ctx, command)
}

// Write sends command and discards any response, used for enable/disable
// mode commands that don't return a value.
func (s *Session) Write(ctx context.Context, command string) error {
	_, err := s.roundTrip(ctx, command)
	return err
}

func (s *Session) roundTrip(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return "", xerrors.NewTransport(xerrors.TransportLocked, s.address, s.instrumentID,
			fmt.Errorf("session closed"))
	}

	deadline := time.Now().Add(s.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return "", xerrors.NewTransport(xerrors.TransportProtocol, s.address, s.instrumentID, err)
	}

	if _, err := s.rw.WriteString(strings.TrimRight(command, "\n") + "\n"); err != nil {
		return "", s.classify(err)
	}
	if err := s.rw.Flush(); err != nil {
		return "", s.classify(err)
	}

	line, err := s.rw.ReadString('\n')
	if err != nil {
		return "", s.classify(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) classify(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return xerrors.NewTransport(xerrors.TransportTimeout, s.address, s.instrumentID, err)
	}
	return xerrors.NewTransport(xerrors.TransportProtocol, s.address, s.instrumentID, err)
}

// Close shuts down the underlying connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil
	}
	s.isClosed = true
	return s.conn.Close()
}
