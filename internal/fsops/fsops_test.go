package fsops

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfspy/nfspy/internal/cache"
	"github.com/nfspy/nfspy/internal/cred"
	"github.com/nfspy/nfspy/internal/nfs"
	"github.com/nfspy/nfspy/internal/rpc"
)

// scriptedGetAttrServer answers every call as a GETATTR success
// carrying attr, regardless of the procedure actually requested --
// sufficient to drive Ops.GetAttr end to end through a real nfs.Client
// and cache.Resolver.
func scriptedGetAttrServer(t *testing.T, attr nfs.FileAttr) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			xid := binary.BigEndian.Uint32(buf[:4])
			var reply bytes.Buffer
			_ = binary.Write(&reply, binary.BigEndian, xid)
			_ = binary.Write(&reply, binary.BigEndian, rpc.Reply)
			_ = binary.Write(&reply, binary.BigEndian, rpc.MsgAccepted)
			_ = binary.Write(&reply, binary.BigEndian, rpc.AuthNull)
			_ = binary.Write(&reply, binary.BigEndian, uint32(0))
			_ = binary.Write(&reply, binary.BigEndian, rpc.Success)
			_ = binary.Write(&reply, binary.BigEndian, uint32(nfs.StatusOK))
			_ = binary.Write(&reply, binary.BigEndian, uint32(attr.Type))
			_ = binary.Write(&reply, binary.BigEndian, attr.Mode)
			_ = binary.Write(&reply, binary.BigEndian, attr.Nlink)
			_ = binary.Write(&reply, binary.BigEndian, attr.UID)
			_ = binary.Write(&reply, binary.BigEndian, attr.GID)
			_ = binary.Write(&reply, binary.BigEndian, attr.Size)
			_ = binary.Write(&reply, binary.BigEndian, attr.Used)
			_ = binary.Write(&reply, binary.BigEndian, attr.RdevMajor)
			_ = binary.Write(&reply, binary.BigEndian, attr.RdevMinor)
			_ = binary.Write(&reply, binary.BigEndian, attr.FsID)
			_ = binary.Write(&reply, binary.BigEndian, attr.FileID)
			for i := 0; i < 3; i++ {
				_ = binary.Write(&reply, binary.BigEndian, uint32(0))
				_ = binary.Write(&reply, binary.BigEndian, uint32(0))
			}
			_, _ = conn.WriteToUDP(reply.Bytes(), addr)
			_ = n
		}
	}()
	return conn
}

type udpTransport struct{ conn *net.UDPConn }

func (m *udpTransport) RoundTrip(ctx context.Context, xid uint32, call []byte) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = m.conn.SetDeadline(dl)
	}
	if _, err := m.conn.Write(call); err != nil {
		return nil, err
	}
	buf := make([]byte, 65536)
	n, err := m.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
func (m *udpTransport) Close() error { return m.conn.Close() }

func TestGetAttrEndToEnd(t *testing.T) {
	rootAttr := nfs.FileAttr{Type: nfs.TypeDir, Mode: 0755, UID: 0, GID: 0, FileID: 1}
	srv := scriptedGetAttrServer(t, rootAttr)
	defer srv.Close()

	conn, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	rpcClient := rpc.NewClient(&udpTransport{conn: conn}, "udp", nfs.Program, uint32(nfs.V3))

	client := nfs.NewClient(rpcClient, nfs.V3)
	forger := cred.New("evilhost")
	root := bytes.Repeat([]byte{0x9}, 40)
	resolver := cache.New(client, forger, root, &rootAttr, 16, time.Minute)
	ops := New(client, resolver, 4096, 4096)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	attr, err := ops.GetAttr(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, nfs.TypeDir, attr.Type)
	assert.Equal(t, uint32(0755), attr.Mode)
}

// newAccessOps wires an Ops whose root object carries attr, for driving
// Access end to end the same way TestGetAttrEndToEnd drives GetAttr.
func newAccessOps(t *testing.T, attr nfs.FileAttr) *Ops {
	t.Helper()
	srv := scriptedGetAttrServer(t, attr)
	t.Cleanup(func() { srv.Close() })

	conn, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	rpcClient := rpc.NewClient(&udpTransport{conn: conn}, "udp", nfs.Program, uint32(nfs.V3))

	client := nfs.NewClient(rpcClient, nfs.V3)
	forger := cred.New("evilhost")
	root := bytes.Repeat([]byte{0x9}, 40)
	resolver := cache.New(client, forger, root, &attr, 16, time.Minute)
	return New(client, resolver, 4096, 4096)
}

// TestAccessCombinesOwnerOrOtherAndGroupOrOther ports nfspy.py's
// access() bit-for-bit: when the object's owner is root, the group and
// other classes are checked together; when its group is root, the
// owner and other classes are; so a bit set only in "other" still
// grants access.
func TestAccessCombinesOwnerOrOtherAndGroupOrOther(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cases := []struct {
		name    string
		uid     uint32
		gid     uint32
		mode    uint32
		reqMode uint32
		wantErr bool
	}{
		{
			name: "uid and gid both non-root trusts unconditionally",
			uid: 1000, gid: 1000, mode: 0, reqMode: 7,
		},
		{
			name: "root-owned, other-read-only bit grants R_OK via combined mask",
			uid: 0, gid: 0, mode: 0004, reqMode: 4,
		},
		{
			name: "root-owned, group-read-only bit denies R_OK (default branch checks other only)",
			uid: 0, gid: 0, mode: 0040, reqMode: 4, wantErr: true,
		},
		{
			name: "root group, other-read-only bit grants R_OK via 0404 combined mask",
			uid: 1000, gid: 0, mode: 0004, reqMode: 4,
		},
		{
			name: "root group, other-write-only bit grants W_OK via 0202 combined mask",
			uid: 1000, gid: 0, mode: 0002, reqMode: 2,
		},
		{
			name: "root owner, other-read-only bit grants R_OK via 044 combined mask",
			uid: 0, gid: 1000, mode: 0004, reqMode: 4,
		},
		{
			name: "root owner, other-exec-only bit grants X_OK via 011 combined mask",
			uid: 0, gid: 1000, mode: 0001, reqMode: 1,
		},
		{
			name: "root group, no matching bit denies W_OK",
			uid: 1000, gid: 0, mode: 0004, reqMode: 2, wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attr := nfs.FileAttr{Type: nfs.TypeReg, Mode: tc.mode, UID: tc.uid, GID: tc.gid, FileID: 1}
			ops := newAccessOps(t, attr)
			err := ops.Access(ctx, "/", tc.reqMode)
			if tc.wantErr {
				assert.Equal(t, syscall.EACCES, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
