package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/meshsync/graph"
	"github.com/bringyour/meshsync/livesync"
	"github.com/bringyour/meshsync/protocol"
	"github.com/bringyour/meshsync/relay"
	"github.com/bringyour/meshsync/schema"
)

const SyncCtlVersion = "0.0.1"

const DefaultRelayUrl = "ws://127.0.0.1:8765/gun"

func main() {
	usage := fmt.Sprintf(
		`Live sync control.

Reads and writes schema-validated records through a relay.
The default url is:
    url: %s

Usage:
    syncctl create [--url=<url>] --path=<path> [--key=<key>...] --data=<data>
        [--schema=<schema>] [--jwt=<jwt>] [--timeout=<timeout>]
    syncctl update [--url=<url>] --path=<path> [--key=<key>...] --id=<id> --data=<data>
        [--schema=<schema>] [--jwt=<jwt>] [--timeout=<timeout>]
    syncctl delete [--url=<url>] --path=<path> [--key=<key>...] --id=<id>
        [--schema=<schema>] [--timeout=<timeout>]
    syncctl read [--url=<url>] --path=<path> [--key=<key>...] --id=<id>
        [--schema=<schema>] [--timeout=<timeout>]
    syncctl watch [--url=<url>] --path=<path> [--key=<key>...]
        [--schema=<schema>] [--count=<count>]
    syncctl -h | --help
    syncctl --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Relay websocket url.
    --path=<path>          Logical path, e.g. chat.message.
    --key=<key>            Instance key, in order. Repeat for more keys.
    --id=<id>              Record soul.
    --data=<data>          Record json.
    --schema=<schema>      Yaml schema file. The platform schema when unset.
    --jwt=<jwt>            Session token. Its user id is written as created_by.
    --timeout=<timeout>    Wait this long for the relay [default: 10s].
    --count=<count>        Print this many snapshots then exit.`,
		DefaultRelayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteRecord(opts)
	} else if read_, _ := opts.Bool("read"); read_ {
		read(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

// a client connected to the relay through a peer link
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	graph   *graph.Graph
	link    *relay.PeerLink
	client  *livesync.Client
	path    string
	keys    []string
}

func connect(opts docopt.Opts) *session {
	url, err := opts.String("--url")
	if err != nil {
		url = DefaultRelayUrl
	}
	path, _ := opts.String("--path")
	keys := []string{}
	if keysAny, ok := opts["--key"].([]string); ok {
		keys = keysAny
	}

	timeout := 10 * time.Second
	if timeoutStr, err := opts.String("--timeout"); err == nil {
		timeout, err = time.ParseDuration(timeoutStr)
		if err != nil {
			exitf("Invalid timeout (%s).\n", err)
		}
	}

	var registry *schema.Registry
	if schemaPath, err := opts.String("--schema"); err == nil {
		registry, err = schema.LoadFile(schemaPath)
		if err != nil {
			exitf("Invalid schema (%s).\n", err)
		}
	} else {
		registry = schema.Platform()
	}

	settings := livesync.DefaultGatewaySettings()
	settings.ReadTimeout = timeout
	if jwt, err := opts.String("--jwt"); err == nil {
		identity, err := livesync.IdentityFromJwt(jwt)
		if err != nil {
			exitf("Invalid jwt (%s).\n", err)
		}
		settings.Identity = identity
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	g := graph.NewGraphWithDefaults(ctx)
	linkSettings := relay.DefaultPeerLinkSettings()
	// browsers and tools speak json
	linkSettings.FrameKind = protocol.FrameKindJson
	link := relay.NewPeerLink(ctx, g, url, linkSettings)

	connectCtx, connectCancel := context.WithTimeout(ctx, timeout)
	defer connectCancel()
	if err := link.WaitForConnect(connectCtx); err != nil {
		exitf("Could not connect to %s (%s).\n", url, err)
	}

	return &session{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		graph:   g,
		link:    link,
		client:  livesync.New(g, registry, settings),
		path:    path,
		keys:    keys,
	}
}

func (self *session) Close() {
	self.link.Close()
	self.graph.Close()
	self.cancel()
}

// waits until the relay has applied the writes sent so far
func (self *session) sync() {
	syncCtx, syncCancel := context.WithTimeout(self.ctx, self.timeout)
	defer syncCancel()
	if err := self.graph.Sync(syncCtx, livesync.StorageKey(self.path, self.keys...)); err != nil {
		exitf("Write not confirmed (%s).\n", err)
	}
}

func data(opts docopt.Opts) map[string]any {
	dataJson, _ := opts.String("--data")
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(dataJson), &fields); err != nil {
		exitf("Invalid data (%s).\n", err)
	}
	return fields
}

func create(opts docopt.Opts) {
	fields := data(opts)
	s := connect(opts)
	defer s.Close()

	record, err := s.client.Create(s.path, s.keys, fields)
	if err != nil {
		exitf("Create failed (%s).\n", err)
	}
	s.sync()
	printJson(record)
}

func update(opts docopt.Opts) {
	fields := data(opts)
	id, _ := opts.String("--id")
	s := connect(opts)
	defer s.Close()

	if err := s.client.Update(s.path, s.keys, id, fields); err != nil {
		exitf("Update failed (%s).\n", err)
	}
	s.sync()
	fmt.Printf("Updated %s.\n", id)
}

func deleteRecord(opts docopt.Opts) {
	id, _ := opts.String("--id")
	s := connect(opts)
	defer s.Close()

	if err := s.client.Delete(s.path, s.keys, id); err != nil {
		exitf("Delete failed (%s).\n", err)
	}
	s.sync()
	fmt.Printf("Deleted %s.\n", id)
}

func read(opts docopt.Opts) {
	id, _ := opts.String("--id")
	s := connect(opts)
	defer s.Close()

	record, err := s.client.Read(s.ctx, s.path, s.keys, id)
	if errors.Is(err, livesync.ErrNotFound) {
		exitf("Not found %s.\n", id)
	} else if err != nil {
		exitf("Read failed (%s).\n", err)
	}
	if record == nil {
		fmt.Printf("Deleted %s.\n", id)
		return
	}
	printJson(record)
}

func watch(opts docopt.Opts) {
	count := -1
	if count_, err := opts.Int("--count"); err == nil {
		count = count_
	}
	s := connect(opts)
	defer s.Close()

	collection, err := s.client.Subscribe(s.path, s.keys...)
	if err != nil {
		exitf("Subscribe failed (%s).\n", err)
	}
	defer collection.Close()

	snapshots := make(chan []*schema.Record, 16)
	collection.AddSnapshotCallback(func(records []*schema.Record) {
		select {
		case snapshots <- records:
		case <-s.ctx.Done():
		}
	})
	collection.AddErrorCallback(func(err *livesync.SubscriptionDecodeError) {
		fmt.Fprintf(os.Stderr, "skip %s\n", err)
	})

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	for i := 0; count < 0 || i < count; i += 1 {
		select {
		case <-s.ctx.Done():
			return
		case records := <-snapshots:
			if interactive {
				fmt.Printf("\n[%s] %s %d records\n", time.Now().Format(time.TimeOnly), collection.Key(), len(records))
				for _, record := range records {
					printJson(record)
				}
			} else {
				// one json array per line
				b, err := json.Marshal(records)
				if err != nil {
					exitf("Encode failed (%s).\n", err)
				}
				fmt.Printf("%s\n", b)
			}
		}
	}
}

func printJson(record *schema.Record) {
	b, err := json.MarshalIndent(record, "", "    ")
	if err != nil {
		exitf("Encode failed (%s).\n", err)
	}
	fmt.Printf("%s\n", b)
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
