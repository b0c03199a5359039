// Package transport defines the TransportSink capability interface (spec
// §4's "TransportSink (interface)") and a UDP reference implementation,
// plus the Candidate type for host/server-reflexive/relayed NAT traversal
// (spec §1 Non-goals: NAT traversal beyond candidate selection).
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// CandidateKind enumerates the connectivity types ArcRTC selects between
// (spec §1 Non-goal boundary: "beyond host/server-reflexive/relayed
// candidate selection" — selection only, no ICE state machine).
type CandidateKind int

const (
	Host CandidateKind = iota
	ServerReflexive
	Relay
)

func (k CandidateKind) String() string {
	switch k {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case Relay:
		return "relay"
	default:
		return "unknown"
	}
}

// Candidate is one reachable address ArcRTC may use to send/receive media.
type Candidate struct {
	Kind     CandidateKind
	Addr     *net.UDPAddr
	Priority uint32
}

// Sink pushes/pulls datagrams to/from an underlying transport (spec §4
// TransportSink). Implementations are shared; writes to the same remote
// endpoint must be serialized to preserve datagram order (spec §5).
type Sink interface {
	Send(ctx context.Context, remote *net.UDPAddr, b []byte) error
	Recv(ctx context.Context) (b []byte, remote *net.UDPAddr, err error)
	LocalCandidate() Candidate
	Close() error
}

// UDPSink is a reference Sink backed by a single net.UDPConn, with a
// per-remote-endpoint FIFO so concurrent RouteOutbound callers for the same
// peer still write in order (spec §5 "Shared resource policy").
type UDPSink struct {
	conn *net.UDPConn
	cand Candidate

	mu    sync.Mutex
	fifos map[string]*sync.Mutex

	readBufSize int
}

// ListenUDP opens a UDP socket on laddr and wraps it as a Sink whose host
// candidate is the bound local address.
func ListenUDP(laddr *net.UDPAddr) (*UDPSink, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	return &UDPSink{
		conn:        conn,
		cand:        Candidate{Kind: Host, Addr: local, Priority: hostPriority},
		fifos:       make(map[string]*sync.Mutex),
		readBufSize: 1500,
	}, nil
}

const hostPriority = 126 << 24 // RFC 8445-style host candidate priority band

// LocalCandidate returns this sink's host candidate.
func (s *UDPSink) LocalCandidate() Candidate { return s.cand }

// Send writes b to remote, serialized against any other Send to the same
// remote endpoint.
func (s *UDPSink) Send(ctx context.Context, remote *net.UDPAddr, b []byte) error {
	lock := s.fifoFor(remote)
	lock.Lock()
	defer lock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := s.conn.WriteToUDP(b, remote)
	if err != nil {
		return fmt.Errorf("transport: write to %s: %w", remote, err)
	}
	return nil
}

// Recv blocks until one datagram arrives or ctx is done.
func (s *UDPSink) Recv(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	buf := make([]byte, s.readBufSize)
	n, raddr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: read: %w", err)
	}
	return buf[:n], raddr, nil
}

// Close releases the underlying socket.
func (s *UDPSink) Close() error { return s.conn.Close() }

func (s *UDPSink) fifoFor(remote *net.UDPAddr) *sync.Mutex {
	key := remote.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.fifos[key]
	if !ok {
		lock = &sync.Mutex{}
		s.fifos[key] = lock
	}
	return lock
}
