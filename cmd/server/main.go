package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"frame-orchestrator/internal/emitter"
	"frame-orchestrator/internal/media"
	"frame-orchestrator/internal/orchestrator"
	"frame-orchestrator/internal/platform/config"
	"frame-orchestrator/internal/platform/logger"
	"frame-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	codec := media.JPEG{Quality: cfg.JPEGQuality}
	opener := media.MuxOpener{
		Schemes: map[string]orchestrator.Opener{
			media.PatternScheme: media.PatternOpener{Width: cfg.FrameWidth, Height: cfg.FrameHeight},
		},
		Fallback: media.FFmpegOpener{
			Path:   cfg.FFmpegPath,
			Width:  cfg.FrameWidth,
			Height: cfg.FrameHeight,
			Log:    log,
		},
	}

	var annotator orchestrator.Annotator = media.Passthrough{}
	if cfg.InferenceURL != "" {
		annotator = &media.RemoteDetector{
			URL:     cfg.InferenceURL,
			Client:  &http.Client{},
			Timeout: cfg.InferenceTimeout,
			Encoder: codec,
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithOpener(opener),
		orchestrator.WithAnnotator(annotator),
		orchestrator.WithDecoder(codec),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(met),
	}

	if cfg.MQTTBroker != "" {
		em := emitter.NewMQTTEmitter(emitter.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, log)
		if err := em.Connect(); err != nil {
			log.Warn("mqtt unavailable, detections will be dropped until it connects", "error", err)
		}
		defer em.Close()
		opts = append(opts, orchestrator.WithDetectionSink(em))
	}

	registry := orchestrator.NewInMemoryRegistry()
	svc := orchestrator.NewService(registry, codec, orchestrator.Config{
		LogCapacity:       cfg.FrameLogCapacity,
		FailureThreshold:  cfg.FailureThreshold,
		StopGracePeriod:   cfg.StopGracePeriod,
		OpenTimeout:       cfg.OpenTimeout,
		TargetFPS:         cfg.TargetFPS,
		ViewerPollTimeout: cfg.ViewerPollTimeout,
	}, opts...)
	ingress := orchestrator.NewIngress(svc, log)
	h := orchestrator.NewHandler(svc, ingress, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(registry.ActiveStreamCount()) }).ServeHTTP(w, r)
	})
	h.Register(r)

	ctx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()
	go ingress.RunWatchdog(ctx, cfg.PushIdleTimeout, 0)

	addr := ":" + cfg.Port
	// No WriteTimeout: frame delivery responses are long-lived.
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"frame_log_capacity", cfg.FrameLogCapacity,
		"failure_threshold", cfg.FailureThreshold,
		"target_fps", cfg.TargetFPS,
		"inference", cfg.InferenceURL != "",
		"mqtt", cfg.MQTTBroker != "",
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping streams")
	stopWatchdog()
	// Stopping streams ends every viewer response so Shutdown can drain.
	svc.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
