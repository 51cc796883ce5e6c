// Command safeload bootstraps C4, the interception layer: it builds a
// SafeFileSystem over a real directory tree, wires it to the ownership
// oracle (C3), and installs it into a dispatch.Table — the
// dispatch.ReferenceTable reference port here, since splicing into a real
// kernel's syscall dispatch table is a port-level concern outside this
// repo (spec §1/§6).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsaf/safe/internal/config"
	"github.com/tsaf/safe/pkg/dispatch"
	"github.com/tsaf/safe/pkg/intercept"
	"github.com/tsaf/safe/pkg/oracle"
)

func main() {
	configPath := flag.String("config", "/etc/safe/safeload.yaml", "path to safeload's configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("safeload: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadIntercept(configPath)
	if err != nil {
		return err
	}

	transport, err := oracle.DialUnixgram(cfg.Oracle.ListenPath, cfg.Oracle.DaemonPath)
	if err != nil {
		return err
	}
	defer transport.Close()

	o := oracle.New(transport, cfg.Oracle.QueryTimeout)
	go func() {
		if err := o.Run(); err != nil {
			log.Printf("safeload: oracle transport closed: %v", err)
		}
	}()

	filter := intercept.ZeroInPlace
	if cfg.FilterMode == "compact" {
		filter = intercept.Compact
	}

	var fs intercept.FileSystem = intercept.NewSafeFileSystem(
		intercept.NewLoopbackFileSystem(cfg.Root), o, filter)
	if cfg.Logging {
		fs = intercept.NewLoggingFileSystem(fs)
	}

	table := dispatch.NewReferenceTable()
	installation, err := table.Install(intercept.NewDispatcher(fs))
	if err != nil {
		return err
	}
	log.Printf("safeload: guarding %s, oracle listen=%s daemon=%s", cfg.Root, cfg.Oracle.ListenPath, cfg.Oracle.DaemonPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("safeload: shutting down")
	return installation.Uninstall()
}
