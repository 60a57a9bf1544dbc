package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfspy/nfspy/internal/cred"
	"github.com/nfspy/nfspy/internal/nfs"
	"github.com/nfspy/nfspy/internal/rpc"
)

// fakeClient scripts GetAttr/Lookup replies by path so resolver logic
// can be tested without a real server.
type fakeClient struct {
	attrsByHandle map[string]*nfs.FileAttr
	lookups       map[string]*nfs.LookupResult // key: dirHandle|name
	staleOnce     map[string]bool
	getAttrCalls  int
}

func handleKey(h []byte) string { return string(h) }

func (f *fakeClient) GetAttr(ctx context.Context, fh []byte, cred rpc.Credential) (*nfs.FileAttr, error) {
	f.getAttrCalls++
	k := handleKey(fh)
	if f.staleOnce[k] {
		delete(f.staleOnce, k)
		return nil, &nfs.StatusError{Status: nfs.StatusStale}
	}
	a, ok := f.attrsByHandle[k]
	if !ok {
		return nil, &nfs.StatusError{Status: nfs.StatusStale}
	}
	return a, nil
}

func (f *fakeClient) Lookup(ctx context.Context, dirFh []byte, name string, cred rpc.Credential) (*nfs.LookupResult, error) {
	res, ok := f.lookups[handleKey(dirFh)+"|"+name]
	if !ok {
		return nil, &nfs.StatusError{Status: nfs.StatusNoEnt}
	}
	return res, nil
}

func newTestResolver() (*Resolver, *fakeClient) {
	root := []byte("root-handle")
	rootAttr := &nfs.FileAttr{Type: nfs.TypeDir, UID: 0, GID: 0, FileID: 1}
	fc := &fakeClient{
		attrsByHandle: map[string]*nfs.FileAttr{handleKey(root): rootAttr},
		lookups:       map[string]*nfs.LookupResult{},
		staleOnce:     map[string]bool{},
	}
	forger := cred.New("test-host")
	r := New(fc, forger, root, rootAttr, 16, time.Minute)
	return r, fc
}

func TestResolveRoot(t *testing.T) {
	r, fc := newTestResolver()
	r.Lock()
	defer r.Unlock()
	h, attr, err := r.Resolve(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, "root-handle", string(h))
	assert.Equal(t, nfs.TypeDir, attr.Type)
	assert.Equal(t, 1, fc.getAttrCalls)
}

func TestResolveChildViaLookup(t *testing.T) {
	r, fc := newTestResolver()
	childHandle := []byte("child-handle")
	childAttr := &nfs.FileAttr{Type: nfs.TypeReg, UID: 1000, GID: 1000, FileID: 2}
	fc.lookups[handleKey([]byte("root-handle"))+"|"+"foo.txt"] = &nfs.LookupResult{FileHandle: childHandle, Attr: childAttr}
	fc.attrsByHandle[handleKey(childHandle)] = childAttr

	r.Lock()
	defer r.Unlock()
	h, attr, err := r.Resolve(context.Background(), "/foo.txt")
	require.NoError(t, err)
	assert.Equal(t, "child-handle", string(h))
	assert.Equal(t, uint32(1000), attr.UID)

	uid, gid := r.Forger().Target()
	assert.Equal(t, uint32(1000), uid)
	assert.Equal(t, uint32(1000), gid)
}

func TestResolveRecoversFromStale(t *testing.T) {
	r, fc := newTestResolver()
	childHandle := []byte("child-handle")
	childAttr := &nfs.FileAttr{Type: nfs.TypeReg, UID: 7, GID: 7, FileID: 2}
	fc.lookups[handleKey([]byte("root-handle"))+"|"+"foo.txt"] = &nfs.LookupResult{FileHandle: childHandle, Attr: childAttr}
	fc.attrsByHandle[handleKey(childHandle)] = childAttr

	r.Lock()
	_, _, err := r.Resolve(context.Background(), "/foo.txt")
	require.NoError(t, err)
	r.Unlock()

	// Simulate the server reporting staleness on the next refresh.
	fc.staleOnce[handleKey(childHandle)] = true

	r.Lock()
	defer r.Unlock()
	h, attr, err := r.Resolve(context.Background(), "/foo.txt")
	require.NoError(t, err)
	assert.Equal(t, "child-handle", string(h))
	assert.Equal(t, uint32(7), attr.UID)
}

func TestPruneEvictsExpiredEntriesWhenFull(t *testing.T) {
	r, fc := newTestResolver()
	r.capacity = 1
	r.ttl = 0 // everything is immediately eligible for eviction

	childHandle := []byte("child-handle")
	childAttr := &nfs.FileAttr{Type: nfs.TypeReg, UID: 1, GID: 1, FileID: 2}
	fc.lookups[handleKey([]byte("root-handle"))+"|"+"foo.txt"] = &nfs.LookupResult{FileHandle: childHandle, Attr: childAttr}
	fc.attrsByHandle[handleKey(childHandle)] = childAttr

	r.Lock()
	_, _, err := r.Resolve(context.Background(), "/foo.txt")
	require.NoError(t, err)
	require.Len(t, r.entries, 1)

	// Capacity is full (1/1): the next Resolve call must prune first.
	_, _, err = r.Resolve(context.Background(), "/foo.txt")
	require.NoError(t, err)
	r.Unlock()
}

// TestPruneEvictsLeastRecentlyUsedWhenNoneExpired covers spec.md §8.6's
// scenario: with cachesize=4, resolving five distinct paths evicts the
// least-recently-used one, not just whatever aging happens to catch.
func TestPruneEvictsLeastRecentlyUsedWhenNoneExpired(t *testing.T) {
	r, fc := newTestResolver()
	r.capacity = 4
	r.ttl = time.Hour // long enough that nothing ages out during the test

	root := []byte("root-handle")
	names := []string{"a", "b", "c", "d", "e"}
	for i, name := range names {
		h := []byte("handle-" + name)
		attr := &nfs.FileAttr{Type: nfs.TypeReg, UID: uint32(i), GID: uint32(i), FileID: uint64(i + 2)}
		fc.lookups[handleKey(root)+"|"+name] = &nfs.LookupResult{FileHandle: h, Attr: attr}
		fc.attrsByHandle[handleKey(h)] = attr
	}

	r.Lock()
	for _, name := range names[:4] {
		_, _, err := r.Resolve(context.Background(), "/"+name)
		require.NoError(t, err)
	}
	require.Len(t, r.entries, 4)

	// Force a deterministic access order rather than depending on
	// wall-clock resolution between back-to-back calls: "/a" is made
	// the least recently used, everything else more recent.
	base := time.Now()
	r.entries["/a"].lastAccess = base.Add(-4 * time.Minute)
	r.entries["/b"].lastAccess = base.Add(-3 * time.Minute)
	r.entries["/c"].lastAccess = base.Add(-2 * time.Minute)
	r.entries["/d"].lastAccess = base.Add(-1 * time.Minute)

	_, _, err := r.Resolve(context.Background(), "/e")
	require.NoError(t, err)
	r.Unlock()

	assert.Len(t, r.entries, 4)
	_, stillCached := r.entries["/a"]
	assert.False(t, stillCached, "/a was least-recently-used and should have been evicted")
	for _, name := range []string{"/b", "/c", "/d", "/e"} {
		_, ok := r.entries[name]
		assert.True(t, ok, "%s should still be cached", name)
	}
}
