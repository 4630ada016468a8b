package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sceneinit/internal/bridge"
	"github.com/banshee-data/sceneinit/internal/bus"
	"github.com/banshee-data/sceneinit/internal/config"
	"github.com/banshee-data/sceneinit/internal/recorder"
	"github.com/banshee-data/sceneinit/internal/scene"
	"github.com/banshee-data/sceneinit/internal/timeutil"
	"github.com/banshee-data/sceneinit/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file (optional)")
	debugListen = flag.String("debug-listen", "", "Listen address for /debug routes (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "Listen address for the gRPC topic bridge (overrides config)")
	recordPath  = flag.String("record", "", "SQLite file to record emissions to (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// options are the resolved host settings after config and flag overrides.
type options struct {
	startupDelay    time.Duration
	legacyDuplicate bool
	queueDepth      int
	debugListen     string
	grpcListen      string
	recordPath      string
}

func resolveOptions(cfg *config.SceneConfig, debugListen, grpcListen, recordPath string) options {
	opts := options{
		startupDelay:    cfg.GetStartupDelay(),
		legacyDuplicate: cfg.GetLegacyDuplicate(),
		queueDepth:      cfg.GetQueueDepth(),
		debugListen:     cfg.GetDebugListen(),
		grpcListen:      cfg.GetGRPCListen(),
		recordPath:      cfg.GetRecordPath(),
	}
	if debugListen != "" {
		opts.debugListen = debugListen
	}
	if grpcListen != "" {
		opts.grpcListen = grpcListen
	}
	if recordPath != "" {
		opts.recordPath = recordPath
	}
	return opts
}

// topics creates the two scene channels in a fresh registry.
func topics(depth int) (*bus.Registry, *bus.Topic[scene.FrameRelationship], *bus.Topic[scene.PoseEstimate], error) {
	reg := bus.NewRegistry()
	frames, err := bus.Add[scene.FrameRelationship](reg, scene.TopicFrames, bus.QoS{Depth: depth, Latched: true})
	if err != nil {
		return nil, nil, nil, err
	}
	pose, err := bus.Add[scene.PoseEstimate](reg, scene.TopicPose, bus.QoS{Depth: depth})
	if err != nil {
		return nil, nil, nil, err
	}
	return reg, frames, pose, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg := config.DefaultSceneConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadSceneConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	opts := resolveOptions(cfg, *debugListen, *grpcListen, *recordPath)

	log.Printf("starting %s %s", scene.NodeName, version.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

// run publishes the startup scene and stays resident until ctx is done so
// latched frames remain available to late subscribers.
func run(ctx context.Context, opts options) error {
	h, err := start(ctx, opts)
	if err != nil {
		return err
	}
	if err := h.publish(); err != nil {
		log.Printf("failed to publish startup scene: %v", err)
	} else {
		log.Printf("startup scene %s", h.initializer.State())
	}

	<-ctx.Done()
	log.Printf("shutting down")
	h.shutdown()
	return nil
}

// host holds the topics and the optional consumers around them.
type host struct {
	registry    *bus.Registry
	initializer *scene.Initializer
	rec         *recorder.Recorder
	recording   []<-chan error
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// start creates the topics and brings up the consumers opts enables. The
// recorder is subscribed to both topics before start returns so it sees the
// volatile pose as well as the latched frames.
func start(ctx context.Context, opts options) (*host, error) {
	reg, frames, pose, err := topics(opts.queueDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to create topics: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &host{registry: reg, cancel: cancel}

	mux := http.NewServeMux()
	reg.AttachAdminRoutes(mux)

	if opts.recordPath != "" {
		rec, err := recorder.Open(opts.recordPath, timeutil.RealClock{})
		if err != nil {
			h.shutdown()
			return nil, fmt.Errorf("failed to open recording: %w", err)
		}
		h.rec = rec
		if err := rec.AttachAdminRoutes(mux); err != nil {
			h.shutdown()
			return nil, fmt.Errorf("failed to attach recorder routes: %w", err)
		}
		for _, source := range []bus.Source{frames, pose} {
			h.recording = append(h.recording, rec.Start(ctx, source))
		}
		log.Printf("recording emissions to %s", opts.recordPath)
	}

	if opts.grpcListen != "" {
		lis, err := net.Listen("tcp", opts.grpcListen)
		if err != nil {
			h.shutdown()
			return nil, fmt.Errorf("failed to listen on %s: %w", opts.grpcListen, err)
		}
		srv := bridge.NewServer(reg)
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			if err := srv.Serve(lis); err != nil {
				log.Printf("gRPC bridge stopped: %v", err)
			}
		}()
		go func() {
			defer h.wg.Done()
			<-ctx.Done()
			srv.Stop()
		}()
	}

	if opts.debugListen != "" {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			serveDebug(ctx, opts.debugListen, mux)
		}()
	}

	h.initializer = scene.New(frames, pose,
		scene.WithStartupDelay(opts.startupDelay),
		scene.WithLegacyDuplicate(opts.legacyDuplicate),
	)
	return h, nil
}

func (h *host) publish() error {
	return h.initializer.Initialize()
}

// shutdown closes the topics, lets the recorder drain what was already
// delivered, then stops the remaining servers.
func (h *host) shutdown() {
	h.registry.Close()
	for _, done := range h.recording {
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("recorder stopped: %v", err)
		}
	}
	h.cancel()
	h.wg.Wait()
	if h.rec != nil {
		if err := h.rec.Close(); err != nil {
			log.Printf("failed to close recording: %v", err)
		}
	}
}

func serveDebug(ctx context.Context, addr string, mux *http.ServeMux) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("got request %q", r.URL.Path)
		mux.ServeHTTP(w, r)
	})
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start debug server: %v", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Printf("HTTP server routine stopped")
}
