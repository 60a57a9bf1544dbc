// Package mount implements the RFC 1813 Appendix I Mount protocol
// client (program 100005, versions 1 and 3): MNT and UMNT. DUMP and
// EXPORT have procedure numbers below but no client method.
// Version selection follows the NFS version chosen by the operator
// (spec.md §4.3).
package mount

import (
	"bytes"
	"context"
	"fmt"

	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/nfspy/nfspy/internal/rpc"
	"github.com/nfspy/nfspy/internal/xdr"
)

// Program is the ONC RPC program number for the Mount protocol.
const Program uint32 = 100005

// Procedure numbers, common to v1 and v3 (DUMP/EXPORT semantics are the
// same; v3 adds an auth-flavors list to MNT's success reply).
const (
	ProcNull    uint32 = 0
	ProcMnt     uint32 = 1
	ProcDump    uint32 = 2
	ProcUmnt    uint32 = 3
	ProcUmntAll uint32 = 4
	ProcExport  uint32 = 5
)

// Status codes (MNT reply status / RFC 1813 Appendix I).
const (
	OK            uint32 = 0
	ErrPerm       uint32 = 1
	ErrNoEnt      uint32 = 2
	ErrIO         uint32 = 5
	ErrAccess     uint32 = 13
	ErrNotDir     uint32 = 20
	ErrInval      uint32 = 22
	ErrNameTooLong uint32 = 63
	ErrNotSupp    uint32 = 10004
	ErrServerFault uint32 = 10006
)

// Auth flavor pseudoflavors a v3 MNT reply may advertise; this client
// always forges AUTH_UNIX regardless of what's offered (spec.md §1).
const (
	AuthFlavorNull uint32 = 0
	AuthFlavorUnix uint32 = 1
)

// Client is a Mount protocol client for a single version (1 or 3).
type Client struct {
	rpc     *rpc.Client
	version uint32
}

// Dial connects to host's mount service over network ("udp"/"tcp") at
// port. The port is dialed as given; Dial does not query the
// portmapper, so callers resolve a zero port beforehand.
func Dial(ctx context.Context, network, host string, port uint16, version uint32, privileged bool) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	t, err := rpc.Dial(ctx, rpc.DialOptions{Network: network, Address: addr, Privileged: privileged})
	if err != nil {
		return nil, fmt.Errorf("mount: dial %s: %w", addr, err)
	}
	return &Client{rpc: rpc.NewClient(t, network, Program, version), version: version}, nil
}

// mntRequest is the flat dirpath argument, simple enough to hand to
// rasky/go-xdr's reflection-based marshaler exactly the way the
// teacher's mount handler does (mount.go: xdr.Unmarshal(..., req)).
type mntRequest struct {
	DirPath string
}

// Result is the decoded MNT success reply.
type Result struct {
	FileHandle  []byte
	AuthFlavors []uint32 // only populated for version 3
}

// Mnt requests the root filehandle for the export at path, forging cred
// on the wire exactly as every other call does (spec.md requires no
// special-casing of MOUNT: the server's ACL is bypassed the same way).
func (c *Client) Mnt(ctx context.Context, path string, cred rpc.Credential) (*Result, error) {
	var argBuf bytes.Buffer
	if _, err := xdr2.Marshal(&argBuf, mntRequest{DirPath: path}); err != nil {
		return nil, fmt.Errorf("mount: marshal MNT args: %w", err)
	}

	var result Result
	var status uint32
	err := c.rpc.Call(ctx, ProcMnt, cred, argBuf.Bytes(), func(body []byte) error {
		r := bytes.NewReader(body)
		s, err := xdr.DecodeUint32(r)
		if err != nil {
			return fmt.Errorf("mount: decode status: %w", err)
		}
		status = s
		if status != OK {
			return nil
		}

		var fh []byte
		if c.version == 1 {
			fh, err = xdr.DecodeFixedOpaque(r, 32)
		} else {
			fh, err = xdr.DecodeOpaque(r)
		}
		if err != nil {
			return fmt.Errorf("mount: decode filehandle: %w", err)
		}
		result.FileHandle = fh

		if c.version == 3 {
			n, err := xdr.DecodeUint32(r)
			if err != nil {
				return fmt.Errorf("mount: decode auth flavor count: %w", err)
			}
			flavors := make([]uint32, n)
			for i := range flavors {
				flavors[i], err = xdr.DecodeUint32(r)
				if err != nil {
					return fmt.Errorf("mount: decode auth flavor[%d]: %w", i, err)
				}
			}
			result.AuthFlavors = flavors
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status != OK {
		return nil, &StatusError{Status: status}
	}
	return &result, nil
}

// Umnt notifies the server the client is done with path. Version 1 and
// 3 share the same argument/void-result shape.
func (c *Client) Umnt(ctx context.Context, path string, cred rpc.Credential) error {
	var argBuf bytes.Buffer
	if _, err := xdr2.Marshal(&argBuf, mntRequest{DirPath: path}); err != nil {
		return fmt.Errorf("mount: marshal UMNT args: %w", err)
	}
	return c.rpc.Call(ctx, ProcUmnt, cred, argBuf.Bytes(), func(body []byte) error { return nil })
}

// StatusError wraps a non-OK MNT reply status.
type StatusError struct {
	Status uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mount: MNT failed with status %d", e.Status)
}

// Close tears down the transport.
func (c *Client) Close() error { return c.rpc.Close() }
