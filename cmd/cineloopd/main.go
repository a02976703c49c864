package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/violetmx/cineloop"
	"github.com/violetmx/cineloop/internal/daemon"
	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/platform/config"
	"github.com/violetmx/cineloop/internal/platform/logger"
	"github.com/violetmx/cineloop/internal/store"
)

const shutdownTimeout = 10 * time.Second

// headlessHandle is the renderer surface when no display is attached: it
// tracks the frame index so playback state behaves normally.
type headlessHandle struct {
	mu    sync.Mutex
	index int
}

func (h *headlessHandle) SetFrameIndex(i int) {
	h.mu.Lock()
	h.index = i
	h.mu.Unlock()
}

func (h *headlessHandle) Render()  {}
func (h *headlessHandle) Release() {}

// headlessDecoder registers frames without a display. A viewer embeds the
// library directly and supplies its own decoder instead.
type headlessDecoder struct{}

func (headlessDecoder) DecodeAndRegister(ctx context.Context, key domain.FrameKey) (domain.RendererHandle, error) {
	return &headlessHandle{}, nil
}

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("info", "json").Error("config load failed", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	archive, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Error("archive open failed", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer archive.Close()

	ctrl := cineloop.NewController(cineloop.Options{
		Source:              cineloop.NewSource(archive, headlessDecoder{}),
		Logger:              log,
		Resolution:          cineloop.Resolution(cfg.Engine.Resolution),
		InitialBufferSize:   cfg.Engine.InitialBufferSize,
		PollInterval:        time.Duration(cfg.Engine.PollIntervalMS) * time.Millisecond,
		PollTimeout:         time.Duration(cfg.Engine.PollTimeoutMS) * time.Millisecond,
		Phase1BatchSize:     cfg.Engine.Phase1BatchSize,
		Phase2BatchSize:     cfg.Engine.Phase2BatchSize,
		Phase2Concurrency:   cfg.Engine.Phase2Concurrency,
		GlobalPlayBatchSize: cfg.Engine.GlobalPlayBatchSize,
		FPS:                 cfg.Engine.FPS,
		MaxCacheEntries:     cfg.Engine.MaxCacheEntries,
		MaxCacheBytes:       cfg.Engine.MaxCacheBytes,
		DecodeTimeout:       time.Duration(cfg.Engine.DecodeTimeoutMS) * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		log.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	h := daemon.NewHandler(ctrl, archive, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Get("/metrics", ctrl.MetricsHandler().ServeHTTP)
	h.Routes(r)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("cineloopd starting",
		"port", cfg.Server.Port,
		"archive", cfg.Store.Path,
		"fps", cfg.Engine.FPS,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
