package commands

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"

	"github.com/nfspy/nfspy/internal/bytesize"
	"github.com/nfspy/nfspy/internal/cache"
	"github.com/nfspy/nfspy/internal/config"
	"github.com/nfspy/nfspy/internal/cred"
	"github.com/nfspy/nfspy/internal/fsops"
	"github.com/nfspy/nfspy/internal/fuseadapter"
	"github.com/nfspy/nfspy/internal/logger"
	"github.com/nfspy/nfspy/internal/metrics"
	"github.com/nfspy/nfspy/internal/mount"
	"github.com/nfspy/nfspy/internal/nfs"
	"github.com/nfspy/nfspy/internal/rpc/portmap"
)

// defaultBlockSize is the fallback READ/WRITE chunk size when the
// server reports none (v3 FSINFO failure) or never does (v2). The
// upper bound, matching spec.md's MAXBLKSIZE, comes from
// cfg.MaxBlockSize instead of a fixed constant.
const defaultBlockSize = 4 * 1024

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount an NFS export over FUSE, forging credentials per request",
	Long: `mount talks MOUNT and NFS to server, obtains a root filehandle, and
serves it over FUSE at mountpoint. Every outgoing NFS/mount call carries
an AUTH_UNIX credential forged to the uid/gid of the object it targets,
so the server's own access control is bypassed rather than honored.`,
	RunE: runMount,
}

func init() {
	flags := mountCmd.Flags()
	flags.String("server", "", "export to mount, as HOST:PATH")
	flags.String("mountpoint", "", "local directory to mount the export at")
	flags.Bool("hide", false, "UMNT immediately after a successful MNT, keeping the root handle")
	flags.Int("cachesize", 0, "handle cache LRU capacity (default 1024)")
	flags.Duration("cachetimeout", 0, "handle cache entry freshness bound (default 120s)")
	flags.String("maxblocksize", "", "cap on negotiated NFS read/write block size, e.g. 64Ki (default 32Ki)")
	flags.String("mountport", "", "PORT/TRANSPORT for the mount service (default: ask portmapper, udp)")
	flags.String("nfsport", "", "PORT/TRANSPORT for the NFS service (default: ask portmapper, udp)")
	flags.String("dirhandle", "", "hex filehandle to adopt as root, skipping MNT (colons ignored)")
	flags.Bool("getroot", false, "after adopting --dirhandle, walk \"..\" up to the export root")
	flags.String("fakename", "", "machinename placed in every forged AUTH_UNIX credential")
	flags.Uint32("nfsversion", 0, "NFS protocol version to speak, 2 or 3 (default 3)")
	flags.String("logging.level", "", "DEBUG, INFO, WARN, or ERROR (default INFO)")
	flags.String("logging.format", "", "text or json (default text)")
	flags.String("metrics.addr", "", "address to expose Prometheus metrics on, e.g. :9105 (default: disabled)")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags(), GetConfigFile())
	if err != nil {
		return err
	}
	if cfg.MountPoint == "" {
		return fmt.Errorf("mount: --mountpoint is required")
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("mount: init logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
			logger.Error("metrics server error", "error", err)
		}
	}()
	if cfg.Metrics.Addr != "" {
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	}

	host, exportPath, err := cfg.ParseServer()
	if err != nil {
		return err
	}

	nfsVersion := nfs.V3
	if cfg.NFSVersion == 2 {
		nfsVersion = nfs.V2
	}
	mountVersion := uint32(3)
	if nfsVersion == nfs.V2 {
		mountVersion = 1
	}

	nfsPort, err := resolvePort(ctx, host, cfg.NFSPort, nfs.Program, uint32(nfsVersion))
	if err != nil {
		return fmt.Errorf("mount: resolving NFS port: %w", err)
	}
	nfsClient, err := nfs.Dial(ctx, cfg.NFSPort.Transport, host, nfsPort, nfsVersion, true)
	if err != nil {
		return fmt.Errorf("mount: dial NFS service: %w", err)
	}
	defer nfsClient.Close()

	forger := cred.New(cfg.FakeName)

	rootHandle, rootAttr, hidden, teardown, err := establishRoot(ctx, cfg, host, exportPath, mountVersion, nfsClient, forger)
	if err != nil {
		return err
	}
	defer teardown(ctx)

	rtSize, wtSize := defaultBlockSize, defaultBlockSize
	if nfsVersion == nfs.V3 {
		forger.SetTarget(rootAttr.UID, rootAttr.GID)
		rootCred, err := forger.Credential()
		if err != nil {
			return err
		}
		info, err := nfsClient.Fsinfo(ctx, rootHandle, rootCred)
		if err != nil {
			logger.Warn("FSINFO failed, using default block size", "error", err.Error())
		} else {
			rtSize = clampBlockSize(info.RtPref, cfg.MaxBlockSize)
			wtSize = clampBlockSize(info.WtPref, cfg.MaxBlockSize)
		}
	}
	logger.Info("block sizes established",
		"rtsize", bytesize.ByteSize(rtSize).String(),
		"wtsize", bytesize.ByteSize(wtSize).String())

	resolver := cache.New(nfsClient, forger, rootHandle, rootAttr, cfg.CacheSize, cfg.CacheTimeout)
	resolver.SetMetrics(m)

	ops := fsops.New(nfsClient, resolver, uint32(rtSize), uint32(wtSize))
	fsImpl := fuseadapter.New(ops)
	server := fuseutil.NewFileSystemServer(fsImpl)

	mfs, err := fuse.Mount(cfg.MountPoint, server, &fuse.MountConfig{
		ReadOnly:    false,
		ErrorLogger: stdErrorLogger(),
	})
	if err != nil {
		return fmt.Errorf("mount: fuse mount at %s: %w", cfg.MountPoint, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, unmounting")
		if err := fuse.Unmount(cfg.MountPoint); err != nil {
			logger.Error("unmount failed", "error", err.Error())
		}
	}()

	logger.Info("mounted", "mountpoint", cfg.MountPoint, "server", cfg.Server, "hidden", hidden)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("mount: fuse serve loop: %w", err)
	}
	return nil
}

// establishRoot obtains the root filehandle/attributes either by MNT
// (the common path) or by adopting --dirhandle (spec.md §6), optionally
// walking ".." up to the export root with --getroot. It returns
// whether the export was immediately "hidden" (UMNT'd right after MNT)
// and a teardown func to call at shutdown: a no-op if hidden or if no
// MNT was ever issued, UMNT otherwise (spec.md's FakeUmnt behavior).
func establishRoot(ctx context.Context, cfg *config.Config, host, exportPath string, mountVersion uint32, nfsClient *nfs.Client, forger *cred.Forger) (handle []byte, attr *nfs.FileAttr, hidden bool, teardown func(context.Context), err error) {
	noop := func(context.Context) {}

	rootCred, err := forger.Credential()
	if err != nil {
		return nil, nil, false, noop, err
	}

	if cfg.DirHandle != "" {
		handle, err = config.ParseDirHandle(cfg.DirHandle)
		if err != nil {
			return nil, nil, false, noop, err
		}
		if cfg.GetRoot {
			handle, err = walkToRoot(ctx, nfsClient, forger, handle)
			if err != nil {
				return nil, nil, false, noop, err
			}
		}
		attr, err = nfsClient.GetAttr(ctx, handle, rootCred)
		if err != nil {
			return nil, nil, false, noop, fmt.Errorf("mount: GETATTR on root: %w", err)
		}
		return handle, attr, false, noop, nil
	}

	mountPort, err := resolvePort(ctx, host, cfg.MountPort, mount.Program, mountVersion)
	if err != nil {
		return nil, nil, false, noop, fmt.Errorf("resolving mount port: %w", err)
	}
	mountClient, err := mount.Dial(ctx, cfg.MountPort.Transport, host, mountPort, mountVersion, true)
	if err != nil {
		return nil, nil, false, noop, fmt.Errorf("dial mount service: %w", err)
	}

	result, err := mountClient.Mnt(ctx, exportPath, rootCred)
	if err != nil {
		_ = mountClient.Close()
		return nil, nil, false, noop, fmt.Errorf("MNT %s: %w", exportPath, err)
	}
	handle = result.FileHandle

	attr, err = nfsClient.GetAttr(ctx, handle, rootCred)
	if err != nil {
		_ = mountClient.Close()
		return nil, nil, false, noop, fmt.Errorf("GETATTR on root: %w", err)
	}

	if cfg.Hide {
		if err := mountClient.Umnt(ctx, exportPath, rootCred); err != nil {
			logger.Warn("hide: eager UMNT failed, server still carries the export record", "error", err.Error())
		} else {
			logger.Info("hide: export record dropped immediately after MNT", "path", exportPath)
		}
		_ = mountClient.Close()
		return handle, attr, true, noop, nil
	}

	teardown = func(ctx context.Context) {
		if err := mountClient.Umnt(ctx, exportPath, rootCred); err != nil {
			logger.Error("UMNT failed", "error", err.Error())
		}
		_ = mountClient.Close()
	}
	return handle, attr, false, teardown, nil
}

// walkToRoot follows LOOKUP(dh, "..") until the returned handle stops
// changing, the --getroot behavior for a literally-supplied dirhandle
// that might not already name the export root.
func walkToRoot(ctx context.Context, nfsClient *nfs.Client, forger *cred.Forger, handle []byte) ([]byte, error) {
	for i := 0; i < 256; i++ { // bound the walk against a misbehaving server
		c, err := forger.Credential()
		if err != nil {
			return nil, err
		}
		res, err := nfsClient.Lookup(ctx, handle, "..", c)
		if err != nil {
			return nil, fmt.Errorf("getroot: LOOKUP(..): %w", err)
		}
		if bytes.Equal(res.FileHandle, handle) {
			return handle, nil
		}
		handle = res.FileHandle
		forger.SetTarget(res.Attr.UID, res.Attr.GID)
	}
	return nil, fmt.Errorf("getroot: handle never stabilized after 256 \"..\" lookups")
}

// resolvePort returns spec.port if set, else asks the portmapper for
// (program, version, protocol) on host, per spec.md's fallback-to-
// portmap dialing.
func resolvePort(ctx context.Context, host string, spec config.PortSpec, program, version uint32) (uint16, error) {
	if spec.Port != 0 {
		return spec.Port, nil
	}
	proto := portmap.ProtoUDP
	if spec.Transport == "tcp" {
		proto = portmap.ProtoTCP
	}
	pmClient, err := portmap.Dial(ctx, spec.Transport, host)
	if err != nil {
		return 0, fmt.Errorf("dial portmapper: %w", err)
	}
	defer pmClient.Close()
	return pmClient.GetPort(ctx, program, version, proto)
}

func clampBlockSize(v uint32, max bytesize.ByteSize) int {
	if v == 0 {
		return defaultBlockSize
	}
	if bytesize.ByteSize(v) > max {
		return int(max)
	}
	return int(v)
}

func stdErrorLogger() *log.Logger {
	return log.New(os.Stderr, "fuse: ", log.LstdFlags)
}
