// Command memtrail is the analyzer CLI: it loads capture files produced by
// the profiler runtime, answers filtered queries, exports flame graphs and
// other formats, serves the REST API, records live captures from running
// processes, and maintains the local capture catalog.
//
// Usage:
//
//	memtrail info <capture>
//	memtrail export -format flamegraph|flamegraph.svg|heaptrack|replay|pprof|graph [-o out] <capture>
//	memtrail serve [-addr host:port] <capture>
//	memtrail record [-addr host:port] [-o out] [-discover]
//	memtrail catalog list|add|remove [args]
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/memtrail/memtrail/internal/catalog"
	"github.com/memtrail/memtrail/internal/client"
	"github.com/memtrail/memtrail/internal/config"
	"github.com/memtrail/memtrail/internal/export"
	"github.com/memtrail/memtrail/internal/filter"
	"github.com/memtrail/memtrail/internal/loader"
	"github.com/memtrail/memtrail/internal/model"
	"github.com/memtrail/memtrail/internal/query"
	"github.com/memtrail/memtrail/internal/server/rest"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the memtrail YAML configuration file")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadAnalyzer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrail: %v\n", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	var cmdErr error
	switch flag.Arg(0) {
	case "info":
		cmdErr = cmdInfo(cfg, logger, flag.Args()[1:])
	case "export":
		cmdErr = cmdExport(logger, flag.Args()[1:])
	case "serve":
		cmdErr = cmdServe(cfg, logger, flag.Args()[1:])
	case "record":
		cmdErr = cmdRecord(logger, flag.Args()[1:])
	case "catalog":
		cmdErr = cmdCatalog(cfg, flag.Args()[1:])
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "memtrail: %v\n", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: memtrail [-config path] <info|export|serve|record|catalog> ...")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "memtrail.yaml"
	}
	return home + "/.memtrail/config.yaml"
}

// loadCapture opens and fully decodes a capture file.
func loadCapture(path string, logger *slog.Logger) (*model.Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open capture %q: %w", path, err)
	}
	defer f.Close()

	started := time.Now()
	data, err := loader.Load(f, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("capture loaded",
		slog.String("path", path),
		slog.Int("allocations", data.AllocationCount()),
		slog.Int("backtraces", data.BacktraceCount()),
		slog.Duration("took", time.Since(started)),
	)
	return data, nil
}

// cmdInfo prints a human-readable summary and registers the capture in the
// catalog.
func cmdInfo(cfg *config.Analyzer, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	noCatalog := fs.Bool("no-catalog", false, "do not register the capture in the catalog")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("info: expected exactly one capture path")
	}
	path := fs.Arg(0)

	data, err := loadCapture(path, logger)
	if err != nil {
		return err
	}

	runtime := time.Duration(data.LastTimestamp()-data.InitialTimestamp()) * time.Microsecond
	fmt.Printf("capture:        %s\n", path)
	fmt.Printf("run id:         %s\n", data.ID())
	fmt.Printf("executable:     %s\n", data.Executable())
	fmt.Printf("architecture:   %s (%d-bit pointers)\n", data.Architecture(), int(data.PointerSize())*8)
	fmt.Printf("runtime:        %s\n", runtime)
	fmt.Printf("allocations:    %d (%d bytes)\n", data.TotalAllocatedCount(), data.TotalAllocatedSize())
	fmt.Printf("freed:          %d (%d bytes)\n", data.TotalFreedCount(), data.TotalFreedSize())
	fmt.Printf("leaked:         %d (%d bytes)\n", data.LeakedCount(), data.TotalAllocatedSize()-data.TotalFreedSize())
	fmt.Printf("backtraces:     %d unique (%d frames)\n", data.BacktraceCount(), data.FrameCount())
	fmt.Printf("mmap ops:       %d\n", len(data.MmapOperations()))
	fmt.Printf("mallopts:       %d\n", len(data.Mallopts()))

	if *noCatalog {
		return nil
	}
	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		logger.Warn("catalog unavailable", slog.Any("error", err))
		return nil
	}
	defer cat.Close()
	err = cat.Register(context.Background(), catalog.Entry{
		DataID:       data.ID().String(),
		Path:         path,
		Executable:   data.Executable(),
		Cmdline:      data.Cmdline(),
		Architecture: data.Architecture(),
		Allocations:  data.TotalAllocatedCount(),
		LeakedBytes:  data.TotalAllocatedSize() - data.TotalFreedSize(),
		WallClock:    time.Now(),
	})
	if err != nil {
		logger.Warn("cannot register capture in catalog", slog.Any("error", err))
	}
	return nil
}

// cmdExport renders a capture into an external format.
func cmdExport(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	format := fs.String("format", "flamegraph", "flamegraph, flamegraph.svg, heaptrack, replay, pprof, or graph")
	output := fs.String("o", "", "output path; stdout when empty")
	leakedOnly := fs.Bool("leaked", false, "restrict to leaked allocations")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("export: expected exactly one capture path")
	}

	data, err := loadCapture(fs.Arg(0), logger)
	if err != nil {
		return err
	}

	list := query.NewAllocationList(data)
	if *leakedOnly {
		list = list.WithFilter(filterLeaked())
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("export: cannot create %q: %w", *output, err)
		}
		defer f.Close()
		out = f
	}

	switch *format {
	case "flamegraph":
		return export.Flamegraph(list, out)
	case "flamegraph.svg":
		return export.FlamegraphSVG(list, out)
	case "heaptrack":
		return export.Heaptrack(list, out)
	case "replay":
		return export.Replay(list, out)
	case "pprof":
		return export.Pprof(list, out)
	case "graph":
		return export.Graph([]*query.AllocationList{list}, export.GraphOptions{
			Labels:      []string{"memory usage"},
			TrimLeft:    true,
			ExtendRight: true,
			Gradient:    true,
		}, out)
	default:
		return fmt.Errorf("export: unknown format %q", *format)
	}
}

// cmdServe loads a capture and serves the REST API over it.
func cmdServe(cfg *config.Analyzer, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.ListenAddr, "listen address")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("serve: expected exactly one capture path")
	}

	data, err := loadCapture(fs.Arg(0), logger)
	if err != nil {
		return err
	}

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = loadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			return err
		}
		logger.Info("REST auth enabled", slog.String("key", cfg.JWTPublicKeyPath))
	}

	server := &http.Server{
		Addr:         *addr,
		Handler:      rest.NewRouter(rest.NewServer(data, logger), pubKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("REST server listening", slog.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// cmdRecord pulls a live capture from a running profiled process.
func cmdRecord(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	addr := fs.String("addr", "", "streaming endpoint of the profiled process (host:port)")
	output := fs.String("o", "live-capture.mtrail", "output capture path")
	discover := fs.Bool("discover", false, "listen for UDP beacons and list announcing processes")
	discoverPort := fs.Int("discover-port", 43512, "beacon port to listen on")
	discoverFor := fs.Duration("discover-for", 3*time.Second, "how long to listen for beacons")
	_ = fs.Parse(args)

	if *discover {
		ctx, cancel := context.WithTimeout(context.Background(), *discoverFor)
		defer cancel()
		beacons, err := client.Discover(ctx, *discoverPort, logger)
		if err != nil {
			return err
		}
		if len(beacons) == 0 {
			fmt.Println("no profiled processes found")
			return nil
		}
		for _, b := range beacons {
			fmt.Printf("%s  pid=%d  %s  (%s)\n", b.Addr, b.Header.PID, b.Header.Executable, b.Header.DataID)
		}
		return nil
	}

	if *addr == "" {
		return fmt.Errorf("record: -addr is required (or use -discover)")
	}

	f, err := os.Create(*output)
	if err != nil {
		return fmt.Errorf("record: cannot create %q: %w", *output, err)
	}
	defer f.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	c := client.New(client.Config{
		Addr: *addr,
		Restart: func() error {
			if err := f.Truncate(0); err != nil {
				return err
			}
			_, err := f.Seek(0, 0)
			return err
		},
	}, f, logger)
	if err := c.Run(ctx); err != nil {
		return err
	}
	logger.Info("capture recorded", slog.String("path", *output))
	return nil
}

// cmdCatalog manages the local capture registry.
func cmdCatalog(cfg *config.Analyzer, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("catalog: expected list, add, or remove")
	}
	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()
	ctx := context.Background()

	switch args[0] {
	case "list":
		entries, err := cat.List(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no captures registered")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-30s  %8d allocs  %10d leaked bytes  %s\n",
				e.DataID, e.Executable, e.Allocations, e.LeakedBytes, e.Path)
		}
		return nil
	case "add":
		if len(args) != 2 {
			return fmt.Errorf("catalog add: expected one capture path")
		}
		data, err := loadCapture(args[1], slog.Default())
		if err != nil {
			return err
		}
		return cat.Register(ctx, catalog.Entry{
			DataID:       data.ID().String(),
			Path:         args[1],
			Executable:   data.Executable(),
			Cmdline:      data.Cmdline(),
			Architecture: data.Architecture(),
			Allocations:  data.TotalAllocatedCount(),
			LeakedBytes:  data.TotalAllocatedSize() - data.TotalFreedSize(),
			WallClock:    time.Now(),
		})
	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("catalog remove: expected one run id")
		}
		return cat.Remove(ctx, args[1])
	default:
		return fmt.Errorf("catalog: unknown subcommand %q", args[0])
	}
}

func filterLeaked() *filter.Filter {
	return filter.Basic(filter.BasicFilter{OnlyLeaked: true})
}

// loadRSAPublicKey reads a PEM-encoded RSA public key.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read JWT public key %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %q", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse JWT public key %q: %w", path, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("JWT public key %q is not RSA", path)
	}
	return rsaKey, nil
}
