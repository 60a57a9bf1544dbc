// Package cred forges the AUTH_UNIX credential NFS calls authenticate
// with. NFS trusts whatever uid/gid/hostname a client claims; this
// package exists to claim whatever identity is needed to pass a given
// server's access check, rather than the caller's real identity
// (spec.md §1, §4.4).
package cred

import (
	"os"
	"sync"
	"time"

	"github.com/nfspy/nfspy/internal/logger"
	"github.com/nfspy/nfspy/internal/rpc"
)

// Forger holds the identity a Forger currently impersonates and builds
// a fresh rpc.Credential for each outgoing call. Grounded on
// EvilNFSClient.mkcred() in the original Python client: fuid/fgid are
// mutated to the target object's owner immediately before a call, then
// mkcred() is invoked to build that call's credential. Go's equivalent
// keeps the same two-step shape but makes it explicit: SetTarget then
// Credential, called back to back under the caller's own lock
// (internal/cache.Resolver serializes this, spec.md §9's "auth lock").
type Forger struct {
	mu          sync.Mutex
	uid, gid    uint32
	machineName string
}

// New creates a Forger that initially impersonates root (uid/gid 0),
// the identity needed to pass most NFS servers' root-squash-unaware
// checks on a freshly mounted export. fakeHostname overrides the
// machine name field; an empty string falls back to os.Hostname.
func New(fakeHostname string) *Forger {
	name := fakeHostname
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		}
	}
	return &Forger{machineName: name}
}

// SetTarget points subsequent Credential() calls at uid/gid, normally
// the owner of the object about to be operated on.
func (f *Forger) SetTarget(uid, gid uint32) {
	f.mu.Lock()
	changed := f.uid != uid || f.gid != gid
	f.uid = uid
	f.gid = gid
	f.mu.Unlock()
	if changed {
		logger.Debug("forged identity switched", logger.UID(uid), logger.GID(gid))
	}
}

// Target returns the uid/gid currently being impersonated.
func (f *Forger) Target() (uid, gid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uid, f.gid
}

// Credential builds a fresh AUTH_UNIX credential for the currently
// targeted identity. A new stamp is minted on every call (RFC 5531
// §9.2's stamp is an opaque client-chosen value; reusing the Unix
// epoch second the way the original client does is sufficient and
// keeps the credential recognizable in packet captures during testing).
func (f *Forger) Credential() (rpc.Credential, error) {
	f.mu.Lock()
	uid, gid := f.uid, f.gid
	name := f.machineName
	f.mu.Unlock()

	ua := rpc.UnixAuth{
		Stamp:       uint32(time.Now().Unix()),
		MachineName: name,
		UID:         uid,
		GID:         gid,
	}
	return ua.Credential()
}
