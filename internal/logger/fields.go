package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging, scoped to what an NFS
// client over FUSE actually logs: RPC calls, credential forging,
// handle-cache activity, and the filesystem operations translated
// from FUSE callbacks.
const (
	// RPC / procedure
	KeyProtocol  = "protocol"
	KeyProcedure = "procedure"
	KeyHandle    = "handle"
	KeyShare     = "share" // mounted export path
	KeyStatus    = "status"
	KeyStatusMsg = "status_msg"
	KeyRequestID = "request_id" // RPC XID
	KeyAttempt   = "attempt"
	KeyMaxRetries = "max_retries"

	// Filesystem operations
	KeyPath    = "path"
	KeyOldPath = "old_path"
	KeyNewPath = "new_path"
	KeyType    = "type"
	KeySize    = "size"
	KeyMode    = "mode"

	// I/O
	KeyOffset       = "offset"
	KeyCount        = "count"
	KeyBytesRead    = "bytes_read"
	KeyBytesWritten = "bytes_written"
	KeyEOF          = "eof"
	KeyStable       = "stable"

	// Credential forging (spec.md's trust-by-claimed-identity bypass)
	KeyClientIP = "client_ip"
	KeyUID      = "uid"
	KeyGID      = "gid"
	KeyAuth     = "auth"

	// Handle-cache (internal/cache)
	KeyCacheHit      = "cache_hit"
	KeyCacheSize     = "cache_size"
	KeyCacheCapacity = "cache_capacity"
	KeyEvicted       = "evicted"

	// Directory / link operations
	KeyEntries    = "entries"
	KeyCookieEnd  = "cookie_end"
	KeyLinkTarget = "link_target"
	KeyLinkCount  = "link_count"

	// Operation metadata
	KeyError = "error"
)

// RPC / procedure

func Protocol(proto string) slog.Attr  { return slog.String(KeyProtocol, proto) }
func Procedure(name string) slog.Attr  { return slog.String(KeyProcedure, name) }
func Handle(h []byte) slog.Attr        { return slog.String(KeyHandle, fmt.Sprintf("%x", h)) }
func Share(name string) slog.Attr      { return slog.String(KeyShare, name) }
func Status(code int) slog.Attr        { return slog.Int(KeyStatus, code) }
func StatusMsg(msg string) slog.Attr   { return slog.String(KeyStatusMsg, msg) }
func RequestID(xid uint32) slog.Attr   { return slog.Any(KeyRequestID, xid) }
func Attempt(n int) slog.Attr          { return slog.Int(KeyAttempt, n) }
func MaxRetries(n int) slog.Attr       { return slog.Int(KeyMaxRetries, n) }

// Filesystem operations

func Path(p string) slog.Attr    { return slog.String(KeyPath, p) }
func OldPath(p string) slog.Attr { return slog.String(KeyOldPath, p) }
func NewPath(p string) slog.Attr { return slog.String(KeyNewPath, p) }
func Type(t int) slog.Attr       { return slog.Int(KeyType, t) }
func Size(s uint64) slog.Attr    { return slog.Uint64(KeySize, s) }
func Mode(m uint32) slog.Attr    { return slog.Any(KeyMode, m) }

// I/O

func Offset(off uint64) slog.Attr   { return slog.Uint64(KeyOffset, off) }
func Count(c uint32) slog.Attr      { return slog.Any(KeyCount, c) }
func BytesRead(n int) slog.Attr     { return slog.Int(KeyBytesRead, n) }
func BytesWritten(n int) slog.Attr  { return slog.Int(KeyBytesWritten, n) }
func EOF(eof bool) slog.Attr        { return slog.Bool(KeyEOF, eof) }
func Stable(s int) slog.Attr        { return slog.Int(KeyStable, s) }

// Credential forging

func ClientIP(addr string) slog.Attr { return slog.String(KeyClientIP, addr) }
func UID(uid uint32) slog.Attr       { return slog.Any(KeyUID, uid) }
func GID(gid uint32) slog.Attr       { return slog.Any(KeyGID, gid) }
func Auth(flavor uint32) slog.Attr   { return slog.Any(KeyAuth, flavor) }

// Handle-cache

func CacheHit(hit bool) slog.Attr          { return slog.Bool(KeyCacheHit, hit) }
func CacheSize(size int64) slog.Attr       { return slog.Int64(KeyCacheSize, size) }
func CacheCapacity(capacity int64) slog.Attr { return slog.Int64(KeyCacheCapacity, capacity) }
func Evicted(n int) slog.Attr              { return slog.Int(KeyEvicted, n) }

// Directory / link operations

func Entries(n int) slog.Attr           { return slog.Int(KeyEntries, n) }
func CookieEnd(cookie uint64) slog.Attr { return slog.Uint64(KeyCookieEnd, cookie) }
func LinkTarget(target string) slog.Attr { return slog.String(KeyLinkTarget, target) }
func LinkCount(count uint32) slog.Attr  { return slog.Any(KeyLinkCount, count) }

// Operation metadata

func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
