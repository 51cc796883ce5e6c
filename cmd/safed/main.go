// Command safed is the userspace daemon: it owns the FID->owner registry
// (C2), answers the interception layer's ownership oracle (C3's daemon
// side), and serves the client registry protocol (enroll/withdraw/list)
// over a unix socket (spec §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tsaf/safe/internal/config"
	"github.com/tsaf/safe/pkg/oracle"
	"github.com/tsaf/safe/pkg/registry"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == registry.SubprocessTranscodeArg {
		if err := runTranscodeChild(os.Args[2:]); err != nil {
			log.Fatalf("safed: transcode: %v", err)
		}
		return
	}

	configPath := flag.String("config", "/etc/safe/safed.yaml", "path to safed's configuration file")
	lockPath := flag.String("lock", "/var/run/safed.lock", "single-instance advisory lock file")
	flag.Parse()

	if err := run(*configPath, *lockPath); err != nil {
		log.Fatalf("safed: %v", err)
	}
}

// runTranscodeChild is the re-exec entry point SubprocessTranscoder
// invokes: it never touches the registry or the oracle, only the file
// named on the command line, under the owner's dropped-privilege UID.
func runTranscodeChild(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: %s <path> <owner> <fid>", registry.SubprocessTranscodeArg)
	}
	owner, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	fid, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("fid: %w", err)
	}
	return registry.RunSubprocessTranscode(args[0], uint32(owner), fid)
}

func run(configPath, lockPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	instanceID := uuid.New()
	log.Printf("safed: starting, instance=%s", instanceID)

	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another safed instance holds %s", lockPath)
	}
	defer fileLock.Unlock()

	store, err := registry.Open(cfg.Registry.StorePath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	var resolver registry.Resolver
	if len(cfg.Registry.MountRoots) > 0 {
		resolver = registry.NewWalkResolver(cfg.Registry.MountRoots...)
	} else {
		var st syscall.Stat_t
		if err := syscall.Stat(cfg.Registry.StorePath, &st); err != nil {
			return fmt.Errorf("stat registry: %w", err)
		}
		mountResolver, err := registry.NewMountResolver(uint64(st.Dev))
		if err != nil {
			return fmt.Errorf("resolve registry mount: %w", err)
		}
		resolver = mountResolver
	}
	reg := registry.New(store, resolver, &registry.SubprocessTranscoder{})

	oracleTransport, err := oracle.DialUnixgram(cfg.Oracle.DaemonPath, cfg.Oracle.ListenPath)
	if err != nil {
		return fmt.Errorf("dial oracle transport: %w", err)
	}
	responder := oracle.NewResponder(oracleTransport, reg, cfg.Oracle.ReadinessInterval)

	clientServer, err := registry.NewServer(reg, cfg.Client.SocketPath)
	if err != nil {
		return fmt.Errorf("open client socket: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return responder.Serve(gctx) })
	g.Go(func() error { return clientServer.Serve(gctx) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	log.Printf("safed: instance=%s shutting down", instanceID)
	return nil
}
