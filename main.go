package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"juke/peer/store"
)

func main() {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 {
		// Default DB path for CLI commands (overridable by the -db flag in
		// daemon mode).
		if RunCLI(os.Args[1:], "juke.db") {
			return
		}
	}

	username := flag.String("username", "", "display name; also the election rank key (required)")
	password := flag.String("password", "", "secret mixed into the stable node id (required)")
	mediaDir := flag.String("media-dir", "", "directory of local audio files to index")
	dbPath := flag.String("db", "juke.db", "SQLite database path for the local library index")
	apiAddr := flag.String("api-addr", "127.0.0.1:8090", "local control API address (empty to disable)")
	udpPort := flag.Int("udp-port", DefaultUDPPort, "UDP discovery port")
	tcpPort := flag.Int("tcp-port", DefaultTCPPort, "first TCP mesh port tried")
	seed := flag.String("seed", "", "host:port of a peer to join when UDP discovery is unavailable")
	hostTimeout := flag.Duration("host-timeout", DefaultHostTimeout, "how long without a heartbeat before a new election")
	heartbeat := flag.Duration("heartbeat", DefaultHeartbeatInterval, "host heartbeat and playback-sync interval")
	discoveryInterval := flag.Duration("discovery-interval", DefaultDiscoveryInterval, "presence beacon interval")
	uptimeThreshold := flag.Int64("uptime-threshold", DefaultUptimeThreshold, "seconds of extra uptime that let a lower-ranked campaigner make a higher-ranked peer yield")
	shuffleSeed := flag.Int64("shuffle-seed", 0, "shuffle PRNG seed (0 = time-based)")
	headless := flag.Bool("headless", false, "simulate the audio sink instead of spawning ffplay")
	flag.Parse()

	name, err := validateName(*username, MaxNameLength)
	if err != nil {
		log.Fatalf("[main] -username: %v", err)
	}
	if *password == "" {
		log.Fatalf("[main] -password is required")
	}

	nodeID := DeriveNodeID(name, *password)
	localIP := localIPv4()
	log.Printf("[main] node %s (%s) at %s", nodeID, name, localIP)

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	library := NewLibrary(st, *mediaDir)
	if *mediaDir != "" {
		if n, err := library.Scan(ctx); err != nil {
			log.Printf("[library] scan: %v", err)
		} else {
			log.Printf("[library] indexed %d files from %s", n, *mediaDir)
		}
	}

	mesh := NewMesh(nodeID, name, localIP)
	boundPort, err := mesh.Listen(*tcpPort)
	if err != nil {
		log.Fatalf("[mesh] %v", err)
	}
	defer mesh.Close()

	state := NewState(nodeID)
	elector := NewElector(RankedPeer{ID: nodeID, Username: name}, *hostTimeout, *uptimeThreshold)
	hub := NewEventHub()
	node := NewNode(ctx, nodeID, name, localIP, state, mesh, elector, library, hub)

	var sink AudioSink
	if *headless {
		sink = newNullSink()
	} else {
		sink = newExecSink()
	}

	seedVal := *shuffleSeed
	if seedVal == 0 {
		seedVal = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seedVal))
	node.SetCoordinator(NewCoordinator(state, sink, node, library.Resolve, rng, *heartbeat))

	disco := NewDiscovery(nodeID, localIP, boundPort, *udpPort, *discoveryInterval)
	disco.SetOnPeer(func(id, ip string, port int) {
		if mesh.HasPeer(id) {
			return
		}
		// Dial off the receive loop so a slow peer cannot stall discovery.
		go func() {
			if err := mesh.Connect(id, ip, port); err != nil {
				log.Printf("[mesh] connect %s: %v", id, err)
			}
		}()
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return disco.Run(gctx) })
	g.Go(func() error {
		mesh.Run()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		mesh.Close()
		return nil
	})
	g.Go(func() error {
		elector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		RunPendingSweep(gctx, state, PendingTTL)
		return nil
	})
	g.Go(func() error {
		RunMetrics(gctx, node, 5*time.Second)
		return nil
	})
	// UI refresh pump: keeps connected views' progress bars moving between
	// events.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if hub.Count() > 0 {
					node.pushUI()
				}
			}
		}
	})

	if *seed != "" {
		host, portStr, err := net.SplitHostPort(*seed)
		if err != nil {
			log.Fatalf("[main] -seed: %v", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("[main] -seed port: %v", err)
		}
		g.Go(func() error {
			if err := mesh.Connect("", host, port); err != nil {
				log.Printf("[mesh] seed %s: %v", *seed, err)
			}
			return nil
		})
	}

	if *apiAddr != "" {
		api := NewAPIServer(node, library, st, hub)
		g.Go(func() error {
			api.Run(gctx, *apiAddr)
			return nil
		})
		log.Printf("[api] listening on %s", *apiAddr)
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("[main] %v", err)
	}
	node.stopHostDuties()
}
