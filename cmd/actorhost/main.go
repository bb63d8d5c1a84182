// actorhost runs wasmCloud actor workloads described by YAML manifests on
// the local node.
//
// Usage:
//
//	actorhost run [--config file] [--data-dir dir] manifest.yaml...
//	actorhost capabilities [capability...]
//	actorhost version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/catalog"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/config"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/infrastructure/parser"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/provider"
)

// version is set at link time.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "run":
		return runWorkloads(args[1:])
	case "capabilities":
		return printCapabilities(args[1:])
	case "version", "--version":
		fmt.Println("actorhost", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Fprint(os.Stderr, `actorhost runs signed WebAssembly actors and links them to the
built-in logging, HTTP server and blob storage capabilities.

Usage:
  actorhost run [flags] manifest.yaml...
  actorhost capabilities [capability...]
  actorhost version
`)
}

func runWorkloads(args []string) error {
	var (
		configPath string
		dataDir    string
		logLevel   string
		bind       string
	)
	flagSet := pflag.NewFlagSet("actorhost run", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	flagSet.StringVar(&dataDir, "data-dir", "", "directory for actor logs and volumes (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.StringVar(&bind, "http-bind-address", "", "address HTTP actors listen on (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() == 0 {
		return errors.New("run needs at least one manifest")
	}

	var opts []config.Option
	if dataDir != "" {
		opts = append(opts, config.WithDataDir(dataDir))
	}
	if logLevel != "" {
		opts = append(opts, config.WithLogLevel(logLevel))
	}
	if bind != "" {
		opts = append(opts, config.WithHTTPBindAddress(bind))
	}
	cfg, err := config.Load(configPath, opts...)
	if err != nil {
		return err
	}
	logger := slog.New(cfg.Handler(os.Stderr))
	slog.SetDefault(logger)

	p := parser.NewYamlWorkloadParser()
	var workloads []*entities.Workload
	for _, path := range flagSet.Args() {
		w, err := p.ParseFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		workloads = append(workloads, w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, err := provider.New(ctx, cfg, provider.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		// The signal context is already done; shut down on a fresh one.
		shutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := host.Close(shutdown); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	for _, w := range workloads {
		if err := host.Run(ctx, w); err != nil {
			return fmt.Errorf("running %s: %w", w.Key, err)
		}
		logger.Info("workload running", "workload", w.Key.String(), "containers", len(w.Containers))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func printCapabilities(args []string) error {
	cat := catalog.Default()
	names := args
	if len(names) == 0 {
		names = cat.Names()
	}
	for _, name := range names {
		entry, err := cat.Lookup(name)
		if err != nil {
			return err
		}
		schema, err := cat.Schema(name)
		if err != nil {
			return err
		}
		fmt.Printf("# %s (%s, provider %s)\n%s\n", entry.Capability, entry.Name, entry.ProviderID, schema)
	}
	return nil
}
