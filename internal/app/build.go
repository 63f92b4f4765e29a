package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/audio"
	"github.com/ent0n29/lumen/internal/backend"
	"github.com/ent0n29/lumen/internal/config"
	"github.com/ent0n29/lumen/internal/emotion"
	"github.com/ent0n29/lumen/internal/httpapi"
	"github.com/ent0n29/lumen/internal/kvstore"
	"github.com/ent0n29/lumen/internal/observability"
	"github.com/ent0n29/lumen/internal/protocol"
	"github.com/ent0n29/lumen/internal/session"
	"github.com/ent0n29/lumen/internal/voice"
)

type BuildResult struct {
	Config     config.Config
	Logger     *zap.Logger
	API        *httpapi.Server
	Hub        *httpapi.Hub
	Store      *session.Store
	Backend    *backend.Client
	Capture    *audio.CaptureService
	Pipeline   *voice.Pipeline
	Controller *voice.Controller
	Smoother   *emotion.Smoother
	Metrics    *observability.Metrics
	// Devices describes the resolved microphone and player.
	Devices string

	kv      kvstore.Store
	sampler *emotion.Sampler

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Build wires every component without touching any device. Call Start to
// begin listening and Cleanup on shutdown.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	kv, err := kvstore.NewStore(ctx, cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("kv store init failed: %w", err)
	}

	store := session.NewStore(kv,
		session.WithLogger(logger.Named("session")),
		session.WithDefaultVoice(cfg.DefaultVoice),
		session.WithWriteHook(metrics.ObservePersistenceWrite),
	)
	if err := store.Hydrate(ctx); err != nil {
		_ = store.Close(ctx)
		_ = kv.Close()
		return nil, fmt.Errorf("hydrate session: %w", err)
	}

	devices, err := resolveVoiceDevices(cfg)
	if err != nil {
		_ = store.Close(ctx)
		_ = kv.Close()
		return nil, err
	}

	client := backend.NewClient(cfg.BackendURL)
	hub := httpapi.NewHub(metrics)
	capture := audio.NewCaptureService(devices.microphone, cfg.MicSampleRate, logger.Named("capture"))

	pipeline := voice.NewPipeline(client, store,
		voice.WithInteractionTimeout(cfg.InteractionTimeout),
		voice.WithPlayer(devices.player),
		voice.WithEventSink(hub),
		voice.WithMetrics(metrics),
		voice.WithLogger(logger.Named("pipeline")),
	)

	smoother := emotion.NewSmoother(cfg.EmotionWindow, cfg.EmotionHold)
	controller := voice.NewController(capture, pipeline,
		voice.WithEmotionSource(smoother.Latest),
		voice.WithControllerSink(hub),
		voice.WithControllerMetrics(metrics),
		voice.WithControllerLogger(logger.Named("controller")),
		voice.WithMicEnabled(cfg.MicEnabled),
	)
	pipeline.SetHooks(controller)

	var sampler *emotion.Sampler
	if cfg.EmotionEnabled() {
		sampler = emotion.NewSampler(
			emotion.NewCommandCamera(cfg.CameraCommand),
			emotion.NewHTTPClassifier(cfg.ClassifierURL),
			smoother,
			cfg.EmotionFrameSkip,
			logger.Named("emotion"),
		)
		sampler.OnUpdate(func(p *emotion.Payload) {
			kind := "update"
			if p == nil {
				kind = "cleared"
			}
			metrics.ObserveEmotionUpdate(kind)
			hub.Publish(protocol.EmotionUpdate{
				Header:  protocol.NewHeader(protocol.TypeEmotionUpdate),
				Emotion: p,
			})
		})
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Conversation: controller,
		Store:        store,
		Emotion:      smoother.Latest,
		Backend:      client,
		Hub:          hub,
		Metrics:      metrics,
		Logger:       logger.Named("httpapi"),
	})

	return &BuildResult{
		Config:     cfg,
		Logger:     logger,
		API:        api,
		Hub:        hub,
		Store:      store,
		Backend:    client,
		Capture:    capture,
		Pipeline:   pipeline,
		Controller: controller,
		Smoother:   smoother,
		Metrics:    metrics,
		Devices:    devices.detail,
		kv:         kv,
		sampler:    sampler,
	}, nil
}

// Start establishes the backend session, begins reconciling the microphone
// and launches the facial sampler. A failed session creation is reported
// but not fatal: turns are refused until a session exists.
func (b *BuildResult) Start(ctx context.Context) error {
	createCtx, cancel := context.WithTimeout(ctx, b.Config.SessionCreateTimeout)
	id, err := b.Store.EnsureSession(createCtx, b.Backend)
	cancel()
	if err != nil {
		b.Metrics.ObserveBackendError("create_session", statusOf(err))
		b.Logger.Error("session unavailable", zap.Error(err))
	} else {
		b.Logger.Info("session ready", zap.Int64("session_id", id))
	}

	b.Controller.Start(ctx)

	if b.sampler != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			superviseSampler(ctx, b.sampler, samplerBackoffBase, b.Logger.Named("emotion"))
		}()
	}
	return err
}

// Cleanup releases devices, drains pending writes and closes the store.
// Cancel the context passed to Start first so the sampler can exit.
func (b *BuildResult) Cleanup(ctx context.Context) error {
	var errs []string
	b.closeOnce.Do(func() {
		b.Controller.Close()
		b.Pipeline.Close()
		b.wg.Wait()
		if err := b.Store.Close(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := b.kv.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func statusOf(err error) int {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
