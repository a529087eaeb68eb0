package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/relay"
	"github.com/bringyour/meshsync/store"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Mesh relay.

Serves browsers over websockets at the relay path, and joins the relays in PEERS.
PEERS is a comma separated list of relay urls, e.g. wss://relay-2.example.com/gun.
Without peers the relay is a mesh of one.

Usage:
    relayd serve [--config=<config>] [--port=<port>] [--path=<path>]
        [--peers=<peers>]
        [--store=<store>]
        [--metrics_port=<metrics_port>]
    relayd -h | --help
    relayd --version

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Yaml config file.
    -p --port=<port>                 Listen port, %d when unset.
    --path=<path>                    Websocket upgrade path, %s when unset.
    --peers=<peers>                  Comma separated relay urls. Overrides PEERS.
    --store=<store>                  sqlite:<path>, a postgres:// url, or memory.
    --metrics_port=<metrics_port>    Serve prometheus metrics on this port.`,
		relay.DefaultConfig().Port,
		relay.DefaultConfig().Path,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	config, err := relay.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Invalid config (%s).\n", err)
		os.Exit(1)
	}
	// flags win over the file and the environment
	if port, err := opts.Int("--port"); err == nil {
		config.Port = port
	}
	if path, err := opts.String("--path"); err == nil {
		config.Path = path
	}
	if peers, err := opts.String("--peers"); err == nil {
		config.Peers = relay.ParsePeers(peers)
	}
	if storeDsn, err := opts.String("--store"); err == nil {
		config.Store = storeDsn
	}
	if metricsPort, err := opts.Int("--metrics_port"); err == nil {
		config.MetricsPort = metricsPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	journal, err := store.Open(ctx, config.Store)
	if err != nil {
		fmt.Printf("Could not open store (%s).\n", err)
		os.Exit(1)
	}
	g, err := graph.NewGraph(ctx, journal, graph.DefaultGraphSettings())
	if err != nil {
		fmt.Printf("Could not load graph (%s).\n", err)
		os.Exit(1)
	}

	metrics := relay.NewMetrics()
	metrics.RegisterGraph(g)
	r := relay.NewRelay(ctx, g, config.RelaySettings(), metrics)

	links := []*relay.PeerLink{}
	for _, peer := range config.Peers {
		links = append(links, relay.NewPeerLinkWithDefaults(ctx, g, peer))
	}

	fmt.Printf(
		"Relay %s on *:%d%s (%d peers)\n",
		RequireVersion(),
		config.Port,
		config.RelaySettings().Path,
		len(links),
	)

	relayServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}
	go func() {
		defer stop()
		if err := relayServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("relay error: %s\n", err)
		}
	}()

	var metricsServer *http.Server
	if 0 < config.MetricsPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.MetricsPort),
			Handler: mux,
		}
		go func() {
			defer stop()
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Printf("metrics error: %s\n", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	}

	graph.Trace("[relayd]shutdown", func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			glog.Infof("[relayd]relay shutdown error = %s\n", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				glog.Infof("[relayd]metrics shutdown error = %s\n", err)
			}
		}
		for _, link := range links {
			link.Close()
		}
		r.Close()
		g.Close()
	})
	glog.Flush()

	// exit
	os.Exit(0)
}

func RequireVersion() string {
	if version := os.Getenv("MESHSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
