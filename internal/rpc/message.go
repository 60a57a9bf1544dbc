// Package rpc implements an ONC RPC (RFC 5531) client: message framing,
// XID correlation, AUTH_UNIX credential encoding, and UDP/TCP transports.
// It has no knowledge of any particular RPC program; Mount and NFS build
// on top of it.
package rpc

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/nfspy/nfspy/internal/xdr"
)

// Message types (RFC 5531 §9).
const (
	Call  uint32 = 0
	Reply uint32 = 1
)

// Reply status.
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// Accept status.
const (
	Success      uint32 = 0
	ProgUnavail  uint32 = 1
	ProgMismatch uint32 = 2
	ProcUnavail  uint32 = 3
	GarbageArgs  uint32 = 4
	SystemErr    uint32 = 5
)

// Reject status.
const (
	RPCMismatch uint32 = 0
	AuthError   uint32 = 1
)

// Auth rejection status.
const (
	AuthBadCred     uint32 = 1
	AuthRejectedCred uint32 = 2
	AuthBadVerf     uint32 = 3
	AuthRejectedVerf uint32 = 4
	AuthTooWeak     uint32 = 5
)

// Auth flavors (RFC 5531 §8.2).
const (
	AuthNull  uint32 = 0
	AuthUnix  uint32 = 1
	AuthShort uint32 = 2
	AuthDES   uint32 = 3
)

// RPCVersion is the only ONC RPC protocol version in use.
const RPCVersion uint32 = 2

// Credential is a flavor-tagged opaque authentication blob attached to
// every outgoing call. AUTH_NULL is the zero value.
type Credential struct {
	Flavor uint32
	Body   []byte
}

// NullCredential is the AUTH_NULL verifier used on every call (this
// client never authenticates its own replies).
var NullCredential = Credential{Flavor: AuthNull}

func (c Credential) encode(buf *bytes.Buffer) error {
	if err := xdr.WriteUint32(buf, c.Flavor); err != nil {
		return err
	}
	return xdr.WriteOpaque(buf, c.Body)
}

func decodeCredential(r io.Reader) (Credential, error) {
	flavor, err := xdr.DecodeUint32(r)
	if err != nil {
		return Credential{}, err
	}
	body, err := xdr.DecodeOpaque(r)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Flavor: flavor, Body: body}, nil
}

// UnixAuth is the AUTH_UNIX credential body (RFC 5531 §9.2): an
// uncryptographic claim of identity that NFS servers trust outright.
// This is exactly the credential the resolver forges before every call.
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

const maxMachineNameLen = 255
const maxGIDs = 16

// String renders the credential for debug logging.
func (a *UnixAuth) String() string {
	return fmt.Sprintf("AUTH_UNIX{machine=%s uid=%d gid=%d gids=%v}", a.MachineName, a.UID, a.GID, a.GIDs)
}

// Encode packs the credential body per RFC 5531 §9.2: stamp, machine
// name, uid, gid, auxiliary gid list.
func (a *UnixAuth) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := xdr.WriteUint32(&buf, a.Stamp); err != nil {
		return nil, err
	}
	if err := xdr.WriteString(&buf, a.MachineName); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, a.UID); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, a.GID); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, uint32(len(a.GIDs))); err != nil {
		return nil, err
	}
	for _, g := range a.GIDs {
		if err := xdr.WriteUint32(&buf, g); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Credential wraps the encoded AUTH_UNIX body in a flavor-tagged Credential.
func (a *UnixAuth) Credential() (Credential, error) {
	body, err := a.Encode()
	if err != nil {
		return Credential{}, err
	}
	return Credential{Flavor: AuthUnix, Body: body}, nil
}

// ParseUnixAuth decodes a raw AUTH_UNIX body, validating the bounds a
// well-formed client itself observes (used by tests and by any code
// that round-trips a forged credential back for inspection).
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("rpc: empty AUTH_UNIX body")
	}
	r := bytes.NewReader(body)

	stamp, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read stamp: %w", err)
	}

	nameLen, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read machine name length: %w", err)
	}
	if nameLen > maxMachineNameLen {
		return nil, fmt.Errorf("rpc: machine name too long (%d > %d)", nameLen, maxMachineNameLen)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return nil, fmt.Errorf("rpc: read machine name: %w", err)
	}
	if pad := (4 - nameLen%4) % 4; pad > 0 {
		var padBuf [3]byte
		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return nil, fmt.Errorf("rpc: read machine name padding: %w", err)
		}
	}

	uid, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read uid: %w", err)
	}
	gid, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read gid: %w", err)
	}

	ngids, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read gid count: %w", err)
	}
	if ngids > maxGIDs {
		return nil, fmt.Errorf("rpc: too many gids (%d > %d)", ngids, maxGIDs)
	}
	gids := make([]uint32, ngids)
	for i := range gids {
		gids[i], err = xdr.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("rpc: read gid[%d]: %w", i, err)
		}
	}

	return &UnixAuth{
		Stamp:       stamp,
		MachineName: strings.TrimRight(string(nameBuf), "\x00"),
		UID:         uid,
		GID:         gid,
		GIDs:        gids,
	}, nil
}

// NewXID returns a random 32-bit transaction identifier, per RFC 5531's
// requirement that XIDs are unique per outstanding call on a transport.
func NewXID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("rpc: generate xid: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// callHeader is the fixed prefix of every RPC call message.
type callHeader struct {
	XID     uint32
	Prog    uint32
	Vers    uint32
	Proc    uint32
	Cred    Credential
	Verf    Credential
}

func encodeCallHeader(h callHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := xdr.WriteUint32(&buf, h.XID); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, Call); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, RPCVersion); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, h.Prog); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, h.Vers); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, h.Proc); err != nil {
		return nil, err
	}
	if err := h.Cred.encode(&buf); err != nil {
		return nil, err
	}
	if err := h.Verf.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// replyHeader is the parsed fixed prefix of every RPC reply message.
type replyHeader struct {
	XID         uint32
	ReplyStat   uint32
	Verf        Credential
	AcceptStat  uint32
	RejectStat  uint32
	AuthStat    uint32
	MismatchLow uint32
	MismatchHigh uint32
}

// decodeReplyHeader parses everything up to (and including) the
// discriminated accept/reject status, leaving r positioned at the
// start of the procedure-specific results on success.
func decodeReplyHeader(r io.Reader) (*replyHeader, error) {
	xid, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read xid: %w", err)
	}
	msgType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read msg type: %w", err)
	}
	if msgType != Reply {
		return nil, fmt.Errorf("rpc: expected REPLY, got msg type %d", msgType)
	}
	replyStat, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("rpc: read reply stat: %w", err)
	}

	h := &replyHeader{XID: xid, ReplyStat: replyStat}

	switch replyStat {
	case MsgAccepted:
		verf, err := decodeCredential(r)
		if err != nil {
			return nil, fmt.Errorf("rpc: read verifier: %w", err)
		}
		h.Verf = verf
		acceptStat, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("rpc: read accept stat: %w", err)
		}
		h.AcceptStat = acceptStat
		if acceptStat == ProgMismatch {
			low, err := xdr.DecodeUint32(r)
			if err != nil {
				return nil, fmt.Errorf("rpc: read mismatch low: %w", err)
			}
			high, err := xdr.DecodeUint32(r)
			if err != nil {
				return nil, fmt.Errorf("rpc: read mismatch high: %w", err)
			}
			h.MismatchLow, h.MismatchHigh = low, high
		}
	case MsgDenied:
		rejectStat, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("rpc: read reject stat: %w", err)
		}
		h.RejectStat = rejectStat
		if rejectStat == RPCMismatch {
			low, err := xdr.DecodeUint32(r)
			if err != nil {
				return nil, err
			}
			high, err := xdr.DecodeUint32(r)
			if err != nil {
				return nil, err
			}
			h.MismatchLow, h.MismatchHigh = low, high
		} else {
			authStat, err := xdr.DecodeUint32(r)
			if err != nil {
				return nil, fmt.Errorf("rpc: read auth stat: %w", err)
			}
			h.AuthStat = authStat
		}
	default:
		return nil, fmt.Errorf("rpc: unknown reply_stat %d", replyStat)
	}

	return h, nil
}

// Error describes a non-SUCCESS RPC-layer outcome (as opposed to an
// NFS/Mount procedure status, which is a normal successful reply whose
// payload happens to be an error code).
type Error struct {
	Kind string // "denied", "prog_mismatch", "prog_unavail", "proc_unavail", "garbage_args", "system_err", "auth_error"
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rpc: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("rpc: %s", e.Kind)
}

func checkReplyHeader(h *replyHeader) error {
	if h.ReplyStat == MsgDenied {
		if h.RejectStat == RPCMismatch {
			return &Error{Kind: "rpc_mismatch", Detail: fmt.Sprintf("server supports versions %d-%d", h.MismatchLow, h.MismatchHigh)}
		}
		return &Error{Kind: "auth_error", Detail: fmt.Sprintf("auth_stat=%d", h.AuthStat)}
	}
	switch h.AcceptStat {
	case Success:
		return nil
	case ProgUnavail:
		return &Error{Kind: "prog_unavail"}
	case ProgMismatch:
		return &Error{Kind: "prog_mismatch", Detail: fmt.Sprintf("server supports versions %d-%d", h.MismatchLow, h.MismatchHigh)}
	case ProcUnavail:
		return &Error{Kind: "proc_unavail"}
	case GarbageArgs:
		return &Error{Kind: "garbage_args"}
	case SystemErr:
		return &Error{Kind: "system_err"}
	default:
		return &Error{Kind: "unknown_accept_stat", Detail: fmt.Sprintf("%d", h.AcceptStat)}
	}
}
