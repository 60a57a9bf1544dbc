package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockUDPServer answers every CALL with a SUCCESS reply carrying a
// fixed result payload, echoing the caller's XID. It is deliberately
// minimal: enough to exercise Client.Call's happy path without needing
// a real NFS server (spec.md §8's "mock NFS server" testable properties).
func mockUDPServer(t *testing.T, resultPayload []byte) *net.UDPConn {
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
			_ = binary.Write(&reply, binary.BigEndian, Reply)
			_ = binary.Write(&reply, binary.BigEndian, MsgAccepted)
			_ = binary.Write(&reply, binary.BigEndian, AuthNull)
			_ = binary.Write(&reply, binary.BigEndian, uint32(0))
			_ = binary.Write(&reply, binary.BigEndian, Success)
			reply.Write(resultPayload)

			_, _ = conn.WriteToUDP(reply.Bytes(), addr)
			_ = n
		}
	}()
	return conn
}

func TestClientCallSuccess(t *testing.T) {
	srv := mockUDPServer(t, []byte{0, 0, 0, 9})
	defer srv.Close()

	conn, err := net.DialUDP("udp", nil, srv.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	transport := &udpTransport{conn: conn}
	client := NewClient(transport, "udp", 100003, 3)

	var got uint32
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Call(ctx, 1, NullCredential, nil, func(body []byte) error {
		got, err = DecodeUint32Helper(body)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(9), got)
}

// DecodeUint32Helper decodes a single big-endian uint32 result body;
// kept in the test file since production code decodes richer NFS/Mount
// result structures, never a bare uint32.
func DecodeUint32Helper(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, assert.AnError
	}
	return binary.BigEndian.Uint32(body), nil
}

func TestClientCallTimeout(t *testing.T) {
	// A UDP "server" that never replies: the first attempt times out
	// and the caller's 200ms deadline then ends the retry loop with an
	// error.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()

	clientConn, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	transport := &udpTransport{conn: clientConn}
	client := NewClient(transport, "udp", 100003, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = client.Call(ctx, 1, NullCredential, nil, func(body []byte) error { return nil })
	require.Error(t, err)
}
