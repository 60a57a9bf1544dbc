package rpc

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validUnixAuth() *UnixAuth {
	return &UnixAuth{
		Stamp:       uint32(time.Now().Unix()),
		MachineName: "testhost",
		UID:         1000,
		GID:         1000,
		GIDs:        []uint32{4, 24, 27, 30},
	}
}

func TestUnixAuthEncodeParseRoundTrip(t *testing.T) {
	original := validUnixAuth()
	body, err := original.Encode()
	require.NoError(t, err)

	parsed, err := ParseUnixAuth(body)
	require.NoError(t, err)
	assert.Equal(t, original.Stamp, parsed.Stamp)
	assert.Equal(t, original.MachineName, parsed.MachineName)
	assert.Equal(t, original.UID, parsed.UID)
	assert.Equal(t, original.GID, parsed.GID)
	assert.Equal(t, original.GIDs, parsed.GIDs)
}

func TestUnixAuthEmptyGIDs(t *testing.T) {
	auth := &UnixAuth{Stamp: 1, MachineName: "h", UID: 0, GID: 0, GIDs: []uint32{}}
	body, err := auth.Encode()
	require.NoError(t, err)
	parsed, err := ParseUnixAuth(body)
	require.NoError(t, err)
	assert.Empty(t, parsed.GIDs)
}

func TestParseUnixAuthRejectsExcessiveGroups(t *testing.T) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(12345))
	_ = binary.Write(buf, binary.BigEndian, uint32(8))
	_, _ = buf.WriteString("testhost")
	_ = binary.Write(buf, binary.BigEndian, uint32(1000))
	_ = binary.Write(buf, binary.BigEndian, uint32(1000))
	_ = binary.Write(buf, binary.BigEndian, uint32(17))

	_, err := ParseUnixAuth(buf.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many gids")
}

func TestParseUnixAuthRejectsLongMachineName(t *testing.T) {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint32(12345))
	_ = binary.Write(buf, binary.BigEndian, uint32(256))

	_, err := ParseUnixAuth(buf.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine name too long")
}

func TestParseUnixAuthRejectsEmptyBody(t *testing.T) {
	_, err := ParseUnixAuth(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestUnixAuthStringContainsFields(t *testing.T) {
	auth := &UnixAuth{Stamp: 1, MachineName: "testhost", UID: 1000, GID: 1000, GIDs: []uint32{4, 24}}
	s := auth.String()
	assert.Contains(t, s, "testhost")
	assert.Contains(t, s, "1000")
}

func TestAuthFlavorsUnique(t *testing.T) {
	flavors := []uint32{AuthNull, AuthUnix, AuthShort, AuthDES}
	seen := map[uint32]bool{}
	for _, f := range flavors {
		assert.False(t, seen[f])
		seen[f] = true
	}
}

func TestCallHeaderEncodesCredential(t *testing.T) {
	auth := validUnixAuth()
	cred, err := auth.Credential()
	require.NoError(t, err)

	raw, err := encodeCallHeader(callHeader{XID: 42, Prog: 100003, Vers: 3, Proc: 1, Cred: cred, Verf: NullCredential})
	require.NoError(t, err)

	r := bytes.NewReader(raw)
	var xid, msgType, rpcvers, prog, vers, proc uint32
	for _, v := range []*uint32{&xid, &msgType, &rpcvers, &prog, &vers, &proc} {
		require.NoError(t, binary.Read(r, binary.BigEndian, v))
	}
	assert.Equal(t, uint32(42), xid)
	assert.Equal(t, Call, msgType)
	assert.Equal(t, RPCVersion, rpcvers)
	assert.Equal(t, uint32(100003), prog)
	assert.Equal(t, uint32(3), vers)
	assert.Equal(t, uint32(1), proc)
}

func TestDecodeReplyHeaderSuccess(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(42))   // xid
	_ = binary.Write(&buf, binary.BigEndian, Reply)         // msg type
	_ = binary.Write(&buf, binary.BigEndian, MsgAccepted)   // reply_stat
	_ = binary.Write(&buf, binary.BigEndian, AuthNull)      // verifier flavor
	_ = binary.Write(&buf, binary.BigEndian, uint32(0))     // verifier length
	_ = binary.Write(&buf, binary.BigEndian, Success)       // accept_stat
	buf.WriteString("payload")

	hdr, err := decodeReplyHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), hdr.XID)
	assert.Equal(t, Success, hdr.AcceptStat)
	require.NoError(t, checkReplyHeader(hdr))

	rest := make([]byte, buf.Len())
	_, _ = buf.Read(rest)
	assert.Equal(t, "payload", string(rest))
}

func TestDecodeReplyHeaderProgMismatch(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(7))
	_ = binary.Write(&buf, binary.BigEndian, Reply)
	_ = binary.Write(&buf, binary.BigEndian, MsgAccepted)
	_ = binary.Write(&buf, binary.BigEndian, AuthNull)
	_ = binary.Write(&buf, binary.BigEndian, uint32(0))
	_ = binary.Write(&buf, binary.BigEndian, ProgMismatch)
	_ = binary.Write(&buf, binary.BigEndian, uint32(2))
	_ = binary.Write(&buf, binary.BigEndian, uint32(3))

	hdr, err := decodeReplyHeader(&buf)
	require.NoError(t, err)
	err = checkReplyHeader(hdr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2-3")
}
