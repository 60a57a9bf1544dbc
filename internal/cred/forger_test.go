package cred

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfspy/nfspy/internal/rpc"
)

func TestCredentialReflectsTarget(t *testing.T) {
	f := New("evilhost")
	f.SetTarget(42, 43)

	c, err := f.Credential()
	require.NoError(t, err)
	assert.Equal(t, rpc.AuthUnix, c.Flavor)

	ua, err := rpc.ParseUnixAuth(c.Body)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), ua.UID)
	assert.Equal(t, uint32(43), ua.GID)
	assert.Equal(t, "evilhost", ua.MachineName)
}

func TestCredentialFollowsTargetChanges(t *testing.T) {
	f := New("h")
	f.SetTarget(1, 1)
	first, err := f.Credential()
	require.NoError(t, err)

	f.SetTarget(2, 2)
	second, err := f.Credential()
	require.NoError(t, err)

	ua1, _ := rpc.ParseUnixAuth(first.Body)
	ua2, _ := rpc.ParseUnixAuth(second.Body)
	assert.NotEqual(t, ua1.UID, ua2.UID)
}

func TestNewDefaultsToRoot(t *testing.T) {
	f := New("h")
	uid, gid := f.Target()
	assert.Zero(t, uid)
	assert.Zero(t, gid)
}
