// Package cache resolves filesystem paths to NFS filehandles, caching
// the mapping so every operation doesn't have to walk the path from
// the root. Grounded on nfspy.py's handles LRU dict and _gethandle/
// gethandle functions: a path cache keyed by the full path string,
// capacity-gated O(N) pruning by last-access age, and staleness
// recovery by re-resolving from the parent on ESTALE or a cache miss.
package cache

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nfspy/nfspy/internal/cred"
	"github.com/nfspy/nfspy/internal/logger"
	"github.com/nfspy/nfspy/internal/metrics"
	"github.com/nfspy/nfspy/internal/nfs"
	"github.com/nfspy/nfspy/internal/rpc"
)

// nfsClient is the subset of *nfs.Client the resolver depends on,
// accepted as an interface so tests can supply a scripted double
// instead of a live server.
type nfsClient interface {
	GetAttr(ctx context.Context, fh []byte, cred rpc.Credential) (*nfs.FileAttr, error)
	Lookup(ctx context.Context, dirFh []byte, name string, cred rpc.Credential) (*nfs.LookupResult, error)
}

// Entry is a cached (filehandle, attributes) pair for one path.
type Entry struct {
	Handle     []byte
	Attr       *nfs.FileAttr
	lastAccess time.Time
}

// Resolver maps paths to filehandles against a live nfs.Client,
// forging the credential for each outgoing call via cred.Forger. A
// single mutex plays the role of nfspy.py's authlock: every operation
// that mutates the forged identity and then makes a dependent call is
// serialized, since the forger's target uid/gid is shared mutable
// state (spec.md §9's "auth lock still needed" redesign note).
type Resolver struct {
	mu sync.Mutex

	client  nfsClient
	forger  *cred.Forger
	entries map[string]*Entry

	capacity int
	ttl      time.Duration

	rootHandle []byte
	rootAttr   *nfs.FileAttr

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics sink; nil (the default) disables
// recording with no overhead.
func (r *Resolver) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// New creates a Resolver rooted at rootHandle/rootAttr (the handle
// returned by MNT, and its attributes fetched once at startup).
func New(client nfsClient, forger *cred.Forger, rootHandle []byte, rootAttr *nfs.FileAttr, capacity int, ttl time.Duration) *Resolver {
	return &Resolver{
		client:     client,
		forger:     forger,
		entries:    make(map[string]*Entry),
		capacity:   capacity,
		ttl:        ttl,
		rootHandle: rootHandle,
		rootAttr:   rootAttr,
	}
}

// SetRoot replaces the root handle/attributes. The mount command does
// not call it: --getroot's walk up the ".." chain runs before the
// resolver is built, and its result is passed to New.
func (r *Resolver) SetRoot(handle []byte, attr *nfs.FileAttr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootHandle = handle
	r.rootAttr = attr
}

// Root returns the current root handle/attributes.
func (r *Resolver) Root() ([]byte, *nfs.FileAttr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootHandle, r.rootAttr
}

// Lock acquires the auth lock for the duration of a multi-call
// operation; callers forge identity and issue calls while holding it,
// exactly the way nfspy.py brackets each fsops method in authlock.
func (r *Resolver) Lock()   { r.mu.Lock() }
func (r *Resolver) Unlock() { r.mu.Unlock() }

// Forger exposes the credential forger so fsops can target identities
// the resolver itself has no opinion about (e.g. a parent directory's
// owner before a CREATE). Must be called while holding the auth lock.
func (r *Resolver) Forger() *cred.Forger { return r.forger }

// Metrics exposes the attached metrics sink (nil if none), so fsops
// can record recovery paths the resolver doesn't itself observe (e.g.
// the rename ACCES retry).
func (r *Resolver) Metrics() *metrics.Metrics { return r.metrics }

// Resolve returns the cached (handle, attr) for p, refreshing it and
// recovering from staleness if needed. Caller must hold the auth lock.
func (r *Resolver) Resolve(ctx context.Context, p string) ([]byte, *nfs.FileAttr, error) {
	r.pruneIfFull()
	return r.resolve(ctx, p)
}

// pruneIfFull bounds the cache at capacity (spec.md §3: "a capacity N
// bounds size"). It first drops anything past its TTL, then — since
// aging alone may not free any room under steady traffic inside one
// TTL window — falls back to true LRU eviction of the oldest
// remaining entries until back under capacity.
func (r *Resolver) pruneIfFull() {
	if r.capacity <= 0 || len(r.entries) < r.capacity {
		return
	}
	now := time.Now()
	evicted := 0
	for p, e := range r.entries {
		if now.Sub(e.lastAccess) > r.ttl {
			delete(r.entries, p)
			evicted++
		}
	}
	for len(r.entries) >= r.capacity {
		oldestPath, ok := r.oldest()
		if !ok {
			break
		}
		delete(r.entries, oldestPath)
		evicted++
	}
	if evicted > 0 {
		logger.Debug("handle cache pruned", logger.Evicted(evicted), logger.CacheSize(int64(len(r.entries))), logger.CacheCapacity(int64(r.capacity)))
		r.metrics.CacheEviction(evicted)
	}
}

// oldest returns the path of the least-recently-accessed entry.
func (r *Resolver) oldest() (string, bool) {
	var oldestPath string
	var oldestAccess time.Time
	found := false
	for p, e := range r.entries {
		if !found || e.lastAccess.Before(oldestAccess) {
			oldestPath = p
			oldestAccess = e.lastAccess
			found = true
		}
	}
	return oldestPath, found
}

func (r *Resolver) resolve(ctx context.Context, p string) ([]byte, *nfs.FileAttr, error) {
	p = normalize(p)

	if p == "/" {
		r.forger.SetTarget(r.rootAttr.UID, r.rootAttr.GID)
		cred, err := r.forger.Credential()
		if err != nil {
			return nil, nil, err
		}
		attr, err := r.client.GetAttr(ctx, r.rootHandle, cred)
		if err != nil {
			return nil, nil, err
		}
		r.rootAttr = attr
		return r.rootHandle, attr, nil
	}

	if entry, ok := r.entries[p]; ok {
		logger.Debug("handle cache hit", logger.Path(p), logger.CacheHit(true))
		r.metrics.CacheHit()
		r.forger.SetTarget(entry.Attr.UID, entry.Attr.GID)
		credential, err := r.forger.Credential()
		if err != nil {
			return nil, nil, err
		}
		attr, err := r.client.GetAttr(ctx, entry.Handle, credential)
		if err == nil {
			entry.Attr = attr
			entry.lastAccess = time.Now()
			return entry.Handle, attr, nil
		}
		var se *nfs.StatusError
		if !errors.As(err, &se) || se.Status != nfs.StatusStale {
			return nil, nil, err
		}
		logger.Debug("stale handle, re-resolving from parent", logger.Path(p))
		r.metrics.StaleRetry()
		delete(r.entries, p) // stale: fall through and re-resolve from the parent
	}

	logger.Debug("handle cache miss", logger.Path(p), logger.CacheHit(false))
	r.metrics.CacheMiss()
	dir, name := splitPath(p)
	dirHandle, dirAttr, err := r.resolve(ctx, dir)
	if err != nil {
		return nil, nil, err
	}
	r.forger.SetTarget(dirAttr.UID, dirAttr.GID)
	credential, err := r.forger.Credential()
	if err != nil {
		return nil, nil, err
	}
	res, err := r.client.Lookup(ctx, dirHandle, name, credential)
	if err != nil {
		return nil, nil, err
	}
	r.forger.SetTarget(res.Attr.UID, res.Attr.GID)
	r.entries[p] = &Entry{Handle: res.FileHandle, Attr: res.Attr, lastAccess: time.Now()}
	return res.FileHandle, res.Attr, nil
}

// Invalidate drops p from the cache, e.g. after removing or renaming it.
func (r *Resolver) Invalidate(p string) {
	delete(r.entries, normalize(p))
}

// Put inserts or refreshes an entry directly, used after CREATE/MKDIR/
// SYMLINK replies that already carry the new handle and attributes.
func (r *Resolver) Put(p string, handle []byte, attr *nfs.FileAttr) {
	r.entries[normalize(p)] = &Entry{Handle: handle, Attr: attr, lastAccess: time.Now()}
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// splitPath divides p into its parent directory and final element,
// mirroring nfspy.py's path.rsplit('/',1).
func splitPath(p string) (dir, name string) {
	p = normalize(p)
	if p == "/" {
		return "/", ""
	}
	idx := strings.LastIndex(p, "/")
	dir = p[:idx]
	if dir == "" {
		dir = "/"
	}
	name = p[idx+1:]
	return dir, name
}
