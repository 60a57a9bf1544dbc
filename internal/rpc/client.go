package rpc

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nfspy/nfspy/internal/logger"
	"github.com/nfspy/nfspy/internal/metrics"
)

// retryBaseDelay/retryMaxDelay/maxRetries implement the UDP backoff
// schedule from spec.md §4.2: T0=1s, doubling, capped at 16s.
const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 16 * time.Second
	maxRetries     = 5
)

// Client is a single ONC RPC client bound to one (program, version)
// pair over one Transport. It carries no identity of its own — the
// caller supplies a Credential on every Call, which is how the
// credential forger's per-call identity switch is threaded through
// (REDESIGN FLAGS: explicit parameter, not a mutated field).
type Client struct {
	Transport Transport
	Program   uint32
	Version   uint32
	network   string // "udp" or "tcp", controls retry semantics
	Metrics   *metrics.Metrics
}

// NewClient wraps an already-dialed Transport for a given RPC program.
func NewClient(t Transport, network string, program, version uint32) *Client {
	return &Client{Transport: t, Program: program, Version: version, network: network}
}

// Call issues proc with the given credential, writing args (already
// XDR-encoded) after the standard call header and decoding reply into
// decodeResult, which receives the procedure-specific result bytes
// positioned right after the accepted/success reply header.
//
// On UDP, Call retries with exponential backoff on timeout, matching
// RFC 5531's expectation that UDP RPC is an at-least-once send with
// client-driven retransmission. On TCP a single attempt is made; a
// broken connection is a fatal transport error (spec.md §4.2).
func (c *Client) Call(ctx context.Context, proc uint32, cred Credential, args []byte, decodeResult func(body []byte) error) error {
	start := time.Now()
	err := c.call(ctx, proc, cred, args, decodeResult)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.Metrics.RecordRPC(strconv.FormatUint(uint64(proc), 10), status, time.Since(start))
	return err
}

func (c *Client) call(ctx context.Context, proc uint32, cred Credential, args []byte, decodeResult func(body []byte) error) error {
	xid, err := NewXID()
	if err != nil {
		return err
	}

	callMsg, err := buildCall(xid, c.Program, c.Version, proc, cred, args)
	if err != nil {
		return fmt.Errorf("rpc: build call: %w", err)
	}

	if c.network != "udp" {
		return c.roundTripOnce(ctx, xid, callMsg, decodeResult)
	}

	// Each attempt gets its own T0-then-doubling deadline, independent
	// of whatever deadline (if any) the caller's ctx carries: a single
	// dropped datagram must not block forever just because the caller
	// never set one. ctx cancellation still propagates, since each
	// attemptCtx is derived from ctx.
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			logger.Debug("rpc udp retry", logger.RequestID(xid), logger.Procedure(fmt.Sprintf("%d", proc)), logger.Attempt(attempt), "delay", delay.String())
		}
		attemptCtx, cancel := context.WithTimeout(ctx, delay)
		err := c.roundTripOnce(attemptCtx, xid, callMsg, decodeResult)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if delay < retryMaxDelay {
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
	}
	return &TimeoutError{Proc: proc, Attempts: maxRetries + 1, Err: lastErr}
}

func (c *Client) roundTripOnce(ctx context.Context, xid uint32, callMsg []byte, decodeResult func(body []byte) error) error {
	reply, err := c.Transport.RoundTrip(ctx, xid, callMsg)
	if err != nil {
		return err
	}

	r := bytes.NewReader(reply)
	hdr, err := decodeReplyHeader(r)
	if err != nil {
		return fmt.Errorf("rpc: decode reply header: %w", err)
	}
	if hdr.XID != xid {
		// On UDP this is almost always a late reply to a prior
		// retransmission; on TCP a mismatched XID means the
		// connection's framing is corrupted and is fatal.
		if c.network == "udp" {
			return fmt.Errorf("rpc: xid mismatch (sent %d, got %d)", xid, hdr.XID)
		}
		return fmt.Errorf("rpc: fatal xid mismatch on tcp connection (sent %d, got %d)", xid, hdr.XID)
	}
	if err := checkReplyHeader(hdr); err != nil {
		return err
	}

	remaining := make([]byte, r.Len())
	_, _ = r.Read(remaining)
	return decodeResult(remaining)
}

// TimeoutError is returned when a UDP call exhausts its retry budget
// without a matching reply.
type TimeoutError struct {
	Proc     uint32
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: proc %d timed out after %d attempts: %v", e.Proc, e.Attempts, e.Err)
}
func (e *TimeoutError) Unwrap() error { return e.Err }

func buildCall(xid, prog, vers, proc uint32, cred Credential, args []byte) ([]byte, error) {
	header, err := encodeCallHeader(callHeader{
		XID:  xid,
		Prog: prog,
		Vers: vers,
		Proc: proc,
		Cred: cred,
		Verf: NullCredential,
	})
	if err != nil {
		return nil, err
	}
	return append(header, args...), nil
}

// Close tears down the underlying transport.
func (c *Client) Close() error {
	return c.Transport.Close()
}
