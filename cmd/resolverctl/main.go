// Command resolverctl is a thin operator CLI over the reconnecting
// resolver client: resolve, list, publish, and unpublish, built with the
// standard flag package in the same plain cmd/ style as the rest of this
// repository's commands, rather than introducing a new CLI framework
// dependency.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"odin-resolver/internal/client"
	"odin-resolver/internal/config"
	"odin-resolver/internal/logging"
	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch os.Args[1] {
	case "resolve":
		runErr = runResolve(ctx, cfg, os.Args[2:])
	case "list":
		runErr = runList(ctx, cfg, os.Args[2:])
	case "publish":
		runErr = runPublish(ctx, cfg, os.Args[2:])
	case "unpublish":
		runErr = runUnpublish(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "resolverctl: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  resolverctl resolve <path>...
  resolverctl list <prefix>
  resolverctl publish -ttl=60 -addr=host:port <path>...
  resolverctl unpublish -addr=host:port <path>...`)
}

func newReadClient(ctx context.Context, cfg config.ClientConfig) (context.Context, context.CancelFunc, client.ReadHandle) {
	clientCtx, cancel := context.WithCancel(ctx)
	c := client.New(client.Config{
		ResolverAddr: cfg.ResolverAddr,
		Mode:         client.ModeReadOnly,
		TTL:          cfg.TTL,
		Linger:       cfg.Linger,
	})
	c.Start(clientCtx)
	return clientCtx, cancel, client.NewReadHandle(c)
}

func runResolve(ctx context.Context, cfg config.ClientConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("resolve requires at least one path")
	}
	paths := make([]path.Path, len(args))
	for i, a := range args {
		paths[i] = path.Path(a)
	}

	callCtx, cancel, h := newReadClient(ctx, cfg)
	defer cancel()

	results, err := h.Resolve(callCtx, paths...)
	if err != nil {
		return err
	}
	for i, endpoints := range results {
		fmt.Printf("%s -> %v\n", paths[i], endpointStrings(endpoints))
	}
	return nil
}

func runList(ctx context.Context, cfg config.ClientConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("list requires exactly one prefix")
	}
	callCtx, cancel, h := newReadClient(ctx, cfg)
	defer cancel()

	paths, err := h.List(callCtx, path.Path(args[0]))
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func runPublish(ctx context.Context, cfg config.ClientConfig, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	ttl := fs.Int64("ttl", int64(cfg.TTL/time.Second), "hello TTL in seconds")
	addr := fs.String("addr", "", "this writer's advertised endpoint, host:port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("publish requires at least one path")
	}
	paths := make([]path.Path, len(rest))
	for i, a := range rest {
		paths[i] = path.Path(a)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := client.New(client.Config{
		ResolverAddr: cfg.ResolverAddr,
		Mode:         client.ModeReadWrite,
		TTL:          time.Duration(*ttl) * time.Second,
		WriteAddr:    protocol.Endpoint(*addr),
		Linger:       cfg.Linger,
	})
	c.Start(callCtx)

	return client.NewWriteHandle(c).Publish(callCtx, paths...)
}

func runUnpublish(ctx context.Context, cfg config.ClientConfig, args []string) error {
	fs := flag.NewFlagSet("unpublish", flag.ExitOnError)
	addr := fs.String("addr", "", "this writer's advertised endpoint, host:port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("unpublish requires at least one path")
	}
	paths := make([]path.Path, len(rest))
	for i, a := range rest {
		paths[i] = path.Path(a)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := client.New(client.Config{
		ResolverAddr: cfg.ResolverAddr,
		Mode:         client.ModeReadWrite,
		TTL:          cfg.TTL,
		WriteAddr:    protocol.Endpoint(*addr),
		Linger:       cfg.Linger,
	})
	c.Start(callCtx)

	return client.NewWriteHandle(c).Unpublish(callCtx, paths...)
}

func endpointStrings(eps []protocol.Endpoint) []string {
	out := make([]string, len(eps))
	for i, e := range eps {
		out[i] = e.String()
	}
	return out
}
