package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/drpcorg/fabric"
	"github.com/drpcorg/fabric/store"
	"github.com/drpcorg/fabric/utils"
)

func main() {
	app := &cli.App{
		Name:  "fabric",
		Usage: "interactive shell of a replicated object store node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "peer", Usage: "peer uuid, random if empty", EnvVars: []string{"FABRIC_PEER"}},
			&cli.StringFlag{Name: "store", Value: "memory", Usage: "memory, pebble or bolt"},
			&cli.StringFlag{Name: "dir", Value: ".fabric", Usage: "data directory of pebble and bolt stores"},
			&cli.BoolFlag{Name: "durable", Value: true, Usage: "sync every store commit"},
			&cli.StringSliceFlag{Name: "class", Usage: `class definition, e.g. "Item title:string count:long"`},
			&cli.StringFlag{Name: "conflict", Value: "READ_WRITE", Usage: "READ_WRITE, WRITE_WRITE or LAST_WRITE_WINS"},
			&cli.StringFlag{Name: "listen", Usage: "address to accept peers on"},
			&cli.StringSliceFlag{Name: "connect", Usage: "peer addresses to keep connecting to"},
			&cli.StringFlag{Name: "metrics", Usage: "address to serve prometheus metrics on"},
			&cli.StringFlag{Name: "log-level", Value: "warn"},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return err
	}
	peer := uuid.New()
	if p := c.String("peer"); p != "" {
		uid, err := uuid.Parse(p)
		if err != nil {
			return fmt.Errorf("bad peer: %w", err)
		}
		peer = uid
	}
	var log *utils.DefaultLogger
	switch c.String("log-format") {
	case "json":
		log = utils.NewJSONLogger(os.Stderr, level)
	case "text":
		log = utils.NewWriterLogger(os.Stderr, level)
	default:
		return fmt.Errorf("unknown log format %q", c.String("log-format"))
	}
	log = log.With("peer", peer.String()[:8])

	opts := fabric.Options{Peer: peer, Logger: log}
	for _, def := range c.StringSlice("class") {
		class, err := parseClass(def)
		if err != nil {
			return err
		}
		opts.Classes = append(opts.Classes, class)
	}
	policy, err := parseConflict(c.String("conflict"))
	if err != nil {
		return err
	}
	opts.Branch.Conflict = policy

	collectors := fabric.Metrics()
	switch c.String("store") {
	case "memory":
	case "pebble":
		adapter, err := store.OpenPebble(c.String("dir"), c.Bool("durable"))
		if err != nil {
			return err
		}
		opts.Adapter = adapter
		collectors = append(collectors, adapter.Collector())
	case "bolt":
		if err := os.MkdirAll(c.String("dir"), 0o755); err != nil {
			return err
		}
		adapter, err := store.OpenBolt(filepath.Join(c.String("dir"), "fabric.db"), c.Bool("durable"))
		if err != nil {
			return err
		}
		opts.Adapter = adapter
	default:
		return fmt.Errorf("unknown store %q", c.String("store"))
	}

	if addr := c.String("metrics"); addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors...)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	node, err := fabric.Open(c.Context, opts)
	if err != nil {
		return err
	}
	if addr := c.String("listen"); addr != "" {
		if err := node.Listen(addr); err != nil {
			_ = node.Close()
			return err
		}
	}
	for _, addr := range c.StringSlice("connect") {
		if err := node.Connect(addr); err != nil {
			_ = node.Close()
			return err
		}
	}

	repl := &REPL{node: node, ctx: fabric.WithNode(context.Background(), node)}
	if err := repl.Open(); err != nil {
		_ = node.Close()
		return err
	}
	defer repl.Close()
	_, _ = fmt.Fprintf(os.Stderr, "peer %s\n", node.Peer())
	return repl.Loop()
}
