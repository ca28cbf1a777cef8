package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"glasscoder/internal/capture"
	"glasscoder/internal/encoder"
	"glasscoder/internal/hls"
	"glasscoder/internal/metadata"
	"glasscoder/internal/platform/config"
	"glasscoder/internal/platform/logger"
	"glasscoder/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	_ = config.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log := logger.NewForDestination(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "json"), "stderr")
		log.Error("invalid configuration", "error", err)
		return 1
	}
	log := logger.NewForDestination(cfg.Log.Level, cfg.Log.Format, cfg.Log.Destination)
	met := metrics.New()

	encCfg, capCfg, err := encoder.FromConfig(cfg)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return 1
	}
	src, err := capture.New(capCfg, log)
	if err != nil {
		log.Error("capture device", "error", err)
		return 1
	}

	opts := encoder.Options{Source: src, Stdout: os.Stdout, Log: log, Metrics: met}
	if cfg.StatusLines {
		opts.Status = os.Stderr
	}
	enc, err := encoder.New(encCfg, opts)
	if err != nil {
		log.Error("encoder setup failed", "error", err, "fatal", encoder.IsFatal(err))
		src.Stop()
		return 1
	}

	dispatcher := metadata.NewDispatcher(log, met)
	dispatcher.Attach(enc)

	var srv *http.Server
	if cfg.Metadata.Port > 0 {
		srv, err = startAdmin(cfg, enc.Playlists(), dispatcher, log, met)
		if err != nil {
			log.Error("admin server", "error", err)
			enc.Stop(context.Background())
			return 1
		}
	}

	var sub *metadata.NATSSubscriber
	if cfg.Metadata.NATSURL != "" {
		conn, err := metadata.ConnectNATS(cfg.Metadata.NATSURL, log)
		if err != nil {
			// The bus is optional; the encoder runs without it.
			log.Warn("metadata bus unavailable", "error", err)
		} else {
			sub = metadata.NewNATSSubscriber(conn, cfg.Metadata.NATSSubject, dispatcher, log)
			if err := sub.Start(); err != nil {
				log.Warn("metadata bus subscribe failed", "error", err)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("glasscoder starting",
		"server_type", cfg.Server.Type,
		"format", cfg.Audio.Format,
		"bitrates", cfg.Audio.Bitrates,
		"channels", cfg.Audio.Channels,
		"samplerate", cfg.Audio.SampleRate,
		"device", cfg.Audio.Device,
		"metadata_port", cfg.Metadata.Port,
	)

	runErr := enc.Run(ctx)

	if sub != nil {
		sub.Close()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("admin shutdown error", "error", err)
		}
	}

	if runErr != nil {
		log.Error("glasscoder stopped", "error", runErr, "fatal", encoder.IsFatal(runErr))
		return 1
	}
	log.Info("glasscoder stopped")
	return 0
}

// startAdmin serves metadata updates, playlist previews and metrics.
func startAdmin(cfg *config.Config, playlists *hls.Service, d *metadata.Dispatcher, log *slog.Logger, met *metrics.Metrics) (*http.Server, error) {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler(func() {
		met.SetLiveSegments(playlists.Registry().SegmentCount())
	}).ServeHTTP)
	metadata.NewHandler(d, metadata.Credentials{
		Username: cfg.Server.Username,
		Password: cfg.Server.Password,
	}, log).Routes(r)
	hls.NewHandler(playlists, log).Routes(r)

	addr := ":" + strconv.Itoa(cfg.Metadata.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
		}
	}()
	log.Info("admin server listening", "addr", addr)
	return srv, nil
}
