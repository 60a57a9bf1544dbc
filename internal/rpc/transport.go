package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nfspy/nfspy/internal/logger"
)

// MaxBlockSize is the largest READ/WRITE payload this client will ever
// request or accept (spec: MAXBLKSIZE = 32 KiB); the UDP receive buffer
// is sized against it.
const MaxBlockSize = 32 * 1024

// udpReadBufferSize covers the worst-case READ reply: MAXBLKSIZE of
// data plus RPC/NFS header overhead.
const udpReadBufferSize = MaxBlockSize + 128

// Transport sends a single RPC call payload and returns the matching
// reply payload (with any record-marking framing already stripped).
type Transport interface {
	// RoundTrip sends call (a fully framed CALL message body, without
	// record marking) and returns the reply payload (without record
	// marking), the one whose XID matches is returned by the caller's
	// retry loop — RoundTrip itself does at most one network write and
	// is not responsible for XID correlation beyond what the wire
	// protocol demands (TCP is strictly ordered; UDP retries are driven
	// by Client.Call).
	RoundTrip(ctx context.Context, xid uint32, call []byte) ([]byte, error)
	Close() error
}

// DialOptions controls how a Transport binds its local and connects its
// remote endpoint.
type DialOptions struct {
	Network   string // "udp" or "tcp"
	Address   string // host:port
	Privileged bool  // bind a reserved (<1024) source port if possible
	Timeout   time.Duration
}

// Dial establishes a Transport per DialOptions.
func Dial(ctx context.Context, opts DialOptions) (Transport, error) {
	switch opts.Network {
	case "udp":
		return dialUDP(ctx, opts)
	case "tcp":
		return dialTCP(ctx, opts)
	default:
		return nil, fmt.Errorf("rpc: unknown network %q", opts.Network)
	}
}

// ---------------------------------------------------------------------
// UDP transport: one datagram per call, retry with exponential backoff.
// ---------------------------------------------------------------------

type udpTransport struct {
	conn net.Conn
	mu   sync.Mutex
}

func dialUDP(ctx context.Context, opts DialOptions) (Transport, error) {
	raddr, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("rpc: resolve udp address %q: %w", opts.Address, err)
	}

	var conn net.Conn
	if opts.Privileged {
		conn, err = dialUDPReserved(raddr)
		if err != nil {
			logger.Warn("privileged udp port unavailable, falling back to ephemeral port", "error", err.Error())
			conn, err = net.DialUDP("udp", nil, raddr)
		}
	} else {
		conn, err = net.DialUDP("udp", nil, raddr)
	}
	if err != nil {
		return nil, fmt.Errorf("rpc: dial udp %s: %w", opts.Address, err)
	}
	return &udpTransport{conn: conn}, nil
}

// RoundTrip writes call as a single datagram and reads a single
// datagram back. It does not itself retry; Client.Call supplies the
// retry/backoff loop against the RPC semantics (a UDP reply may be lost
// or arrive with an unrelated XID from a stale retransmission).
func (t *udpTransport) RoundTrip(ctx context.Context, xid uint32, call []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(dl)
	}

	if _, err := t.conn.Write(call); err != nil {
		return nil, fmt.Errorf("rpc: udp write: %w", err)
	}

	buf := make([]byte, udpReadBufferSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("rpc: udp read: %w", err)
	}
	return buf[:n], nil
}

func (t *udpTransport) Close() error { return t.conn.Close() }

// ---------------------------------------------------------------------
// TCP transport: RFC 1831 record marking, one connection serialized.
// ---------------------------------------------------------------------

type tcpTransport struct {
	conn net.Conn
	mu   sync.Mutex
}

func dialTCP(ctx context.Context, opts DialOptions) (Transport, error) {
	d := net.Dialer{Timeout: opts.Timeout}
	if opts.Privileged {
		d.Control = reservedPortControl
	}
	conn, err := d.DialContext(ctx, "tcp", opts.Address)
	if err != nil && opts.Privileged {
		logger.Warn("privileged tcp port unavailable, falling back to ephemeral port", "error", err.Error())
		d.Control = nil
		conn, err = d.DialContext(ctx, "tcp", opts.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("rpc: dial tcp %s: %w", opts.Address, err)
	}
	return &tcpTransport{conn: conn}, nil
}

// RoundTrip writes call wrapped in a single last-fragment record and
// reads one full reply record, reassembling fragments if the server
// split its reply. A single TCP connection is serialized: RoundTrip
// holds t.mu across the write and the read.
func (t *tcpTransport) RoundTrip(ctx context.Context, xid uint32, call []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetDeadline(dl)
	}

	if err := writeRecord(t.conn, call); err != nil {
		return nil, fmt.Errorf("rpc: tcp write: %w", err)
	}

	reply, err := readRecord(t.conn)
	if err != nil {
		return nil, fmt.Errorf("rpc: tcp read: %w", err)
	}
	return reply, nil
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

// writeRecord wraps payload in record-marking fragments. A single
// fragment suffices for every message this client sends (even a full
// WRITE at MaxBlockSize is well under any practical fragment-size
// limit), so the top bit (last fragment) is always set on the one
// fragment emitted.
func writeRecord(w io.Writer, payload []byte) error {
	if len(payload) > 0x7FFFFFFF {
		return fmt.Errorf("rpc: payload too large for one record marking fragment")
	}
	header := uint32(len(payload)) | 0x80000000
	var hdrBuf [4]byte
	binary.BigEndian.PutUint32(hdrBuf[:], header)
	if _, err := w.Write(hdrBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecord accumulates fragments until the last-fragment bit is set.
func readRecord(r io.Reader) ([]byte, error) {
	var out []byte
	for {
		var hdrBuf [4]byte
		if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
			return nil, err
		}
		header := binary.BigEndian.Uint32(hdrBuf[:])
		last := header&0x80000000 != 0
		length := header & 0x7FFFFFFF

		frag := make([]byte, length)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		out = append(out, frag...)

		if last {
			return out, nil
		}
	}
}
