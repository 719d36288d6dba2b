package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/singalong/internal/api"
	"github.com/satindergrewal/singalong/internal/catalog"
	"github.com/satindergrewal/singalong/internal/config"
	"github.com/satindergrewal/singalong/internal/ingest"
	"github.com/satindergrewal/singalong/internal/logging"
	"github.com/satindergrewal/singalong/internal/media"
	"github.com/satindergrewal/singalong/internal/playback"
	"github.com/satindergrewal/singalong/internal/prefetch"
	"github.com/satindergrewal/singalong/internal/queuestore"
	"github.com/satindergrewal/singalong/internal/stream"
)

var (
	logger zerolog.Logger
	cfg    config.Config
)

var rootCmd = &cobra.Command{
	Use:   "singalong",
	Short: "singalong - karaoke server",
	Long:  "singalong plays a shared karaoke queue to every listener over WebRTC, with a switchable instrumental track.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logger = logging.Setup(cfg.Environment)
		return nil
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the karaoke server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openCatalog() (*catalog.Catalog, error) {
	return catalog.Open(cfg.DatabasePath, catalog.Config{
		PathPrefix:  cfg.PathPrefix,
		MediaPrefix: cfg.MediaPrefix,
	}, logger)
}

func openBackend(ctx context.Context) (queuestore.Backend, func() error, error) {
	if cfg.QueueStore == "redis" {
		rs, err := queuestore.NewRedisStore(ctx, queuestore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	}
	return queuestore.NewFileStore(cfg.SnapshotPath), func() error { return nil }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", cfg.Addr()).Msg("singalong starting")

	cat, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	backend, closeBackend, err := openBackend(ctx)
	if err != nil {
		return fmt.Errorf("queue store: %w", err)
	}
	defer closeBackend()
	store := queuestore.NewWriter(backend, logger)
	defer store.Close()

	warmer, err := prefetch.New(cat, cfg.PrefetchEntries, logger)
	if err != nil {
		return fmt.Errorf("prefetch: %w", err)
	}
	defer warmer.Close()

	hub := stream.NewHub(logger)
	opener := media.NewFFmpegOpener(media.FFmpegConfig{
		FFmpeg:  cfg.FFmpegBin,
		FFprobe: cfg.FFprobeBin,
		Width:   cfg.VideoWidth,
		Height:  cfg.VideoHeight,
		FPS:     cfg.VideoFPS,
		Buffer:  cfg.DecodeBuffer,
	}, logger)

	engine := playback.New(ctx, cat, opener, playback.Options{
		Store:      store,
		Notifier:   hub,
		Prefetcher: warmer,
		Logger:     logger,
	})
	defer engine.Close()
	engine.Start(ctx)

	relay, err := stream.NewRelay(stream.RelayConfig{
		FFmpegBin:    cfg.FFmpegBin,
		Width:        cfg.VideoWidth,
		Height:       cfg.VideoHeight,
		FPS:          cfg.VideoFPS,
		OpusBitrate:  cfg.OpusBitrate,
		VideoBitrate: cfg.VideoBitrate,
	}, logger)
	if err != nil {
		return err
	}
	pumpCtx, stopPumps := context.WithCancel(ctx)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		if err := relay.RunAudio(pumpCtx, engine.AudioProducer()); err != nil {
			logger.Error().Err(err).Msg("audio relay stopped")
		}
	}()
	go func() {
		defer pumps.Done()
		if err := relay.RunVideo(pumpCtx, engine.VideoProducer(cfg.VideoWidth, cfg.VideoHeight, cfg.VideoFPS)); err != nil {
			logger.Error().Err(err).Msg("video relay stopped")
		}
	}()
	// producers stop before the engine closes
	defer func() {
		stopPumps()
		pumps.Wait()
	}()

	rtc, err := stream.NewAPI()
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	offer := stream.NewWebRTCHandler(rtc, stream.ICEConfig{
		STUNURL:      cfg.STUNURL,
		TURNURL:      cfg.TURNURL,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	}, relay, hub, func() ([]byte, error) { return api.SnapshotMessage(engine) }, logger)
	defer offer.Close()

	opts := api.Options{
		Hub:     hub,
		Offer:   offer,
		Stream:  stream.NewHTTPHandler(relay.PCM(), cfg.FFmpegBin, logger),
		WebRoot: cfg.WebRoot,
		Logger:  logger,
	}
	if cfg.IngestEnabled {
		worker := ingest.NewWorker(
			ingest.YTDLP{Proxy: cfg.YTDLPProxy},
			ingest.Spleeter{Bin: cfg.SpleeterBin},
			ingest.FFmpeg{Bin: cfg.FFmpegBin},
			cat,
			ingest.Config{
				DownloadDir: cfg.DownloadDir,
				WorkDir:     cfg.WorkDir,
				Suffix:      cfg.IngestSuffix,
				Retry:       cfg.IngestRetry,
				Poll:        cfg.IngestPoll,
			},
			logger,
		)
		ingestCtx, stopIngest := context.WithCancel(ctx)
		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			worker.Run(ingestCtx)
		}()
		defer func() {
			stopIngest()
			<-workerDone
		}()
		opts.Ingest = worker
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.New(engine, cat, opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info().Msg("shutting down gracefully...")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
