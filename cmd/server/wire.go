package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gorilla/mux"

	"github.com/buzzni/virtual-try-on/internal/application/services"
	"github.com/buzzni/virtual-try-on/internal/application/usecases"
	"github.com/buzzni/virtual-try-on/internal/config"
	domainrepos "github.com/buzzni/virtual-try-on/internal/domain/repositories"
	domainservices "github.com/buzzni/virtual-try-on/internal/domain/services"
	"github.com/buzzni/virtual-try-on/internal/domain/valueobjects"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/api"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/cache"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/emitter"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/external"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/inference"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/observability"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/reporting"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/repositories"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/scheduler"
	infraservices "github.com/buzzni/virtual-try-on/internal/infrastructure/services"
	"github.com/buzzni/virtual-try-on/internal/infrastructure/store"
)

type app struct {
	router  *mux.Router
	repo    *repositories.MemoryTryOnRepository
	useCase *usecases.TryOnUseCase
	watcher *inference.VersionWatcher
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires every layer from the configuration.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	metrics := observability.NewMetrics()

	classes := make(map[domainrepos.ResourceClass]scheduler.ClassConfig, len(cfg.Scheduler))
	for name, c := range cfg.Scheduler {
		classes[domainrepos.ResourceClass(name)] = scheduler.ClassConfig{
			MaxConcurrent: c.MaxConcurrent,
			QueueTimeout:  c.QueueTimeout,
			MaxQueueDepth: c.MaxQueueDepth,
		}
	}
	sched, err := scheduler.New(classes, logger)
	if err != nil {
		return nil, err
	}
	metrics.WatchScheduler(sched)

	pool := infraservices.NewClientPoolService(domainrepos.AIClientConfig{
		ProjectID:    cfg.Google.ProjectID,
		Location:     cfg.Google.Location,
		GeminiAPIKey: cfg.Google.GeminiAPIKey,
	})
	a.closers = append(a.closers, func() {
		if err := pool.Close(); err != nil {
			logger.Warn("failed to close AI clients", "error", err)
		}
	})

	backends, sources, err := buildBackends(cfg, pool, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	versions, err := initialVersions(ctx, cfg, sources)
	if err != nil {
		a.close()
		return nil, err
	}
	registry := inference.NewRegistry(versions, logger)
	a.watcher = inference.NewVersionWatcher(registry, watchedSources(cfg, sources), cfg.Watcher.Interval, logger)

	policies := make(map[valueobjects.ModelKey]inference.StagePolicy, len(cfg.Models))
	for name, m := range cfg.Models {
		policies[valueobjects.ModelKey(name)] = inference.StagePolicy{
			Class:               domainrepos.ResourceClass(m.Class),
			Timeout:             m.Timeout,
			ConfidenceThreshold: m.ConfidenceThreshold,
			MaxAttempts:         m.MaxAttempts,
			InitialBackoff:      m.InitialBackoff,
			MaxBackoff:          m.MaxBackoff,
		}
	}
	client := inference.NewClient(backends, policies, sched, registry, metrics, logger)

	var resultStore domainrepos.ResultStore
	if cfg.Redis.Address != "" {
		redisStore := store.NewRedisStore(store.RedisConfig{
			Address:        cfg.Redis.Address,
			MaxConnections: cfg.Redis.MaxConnections,
			TTL:            cfg.Redis.TTL,
			Prefix:         cfg.Redis.Prefix,
		}, logger)
		if err := redisStore.Ping(ctx); err != nil {
			// the in-memory tier still works; reads degrade to misses
			logger.Warn("redis unreachable at startup", "address", cfg.Redis.Address, "error", err)
		}
		a.closers = append(a.closers, func() { _ = redisStore.Close() })
		resultStore = redisStore
	}

	resultCache, err := cache.New(cache.Options{
		Size:    cfg.Cache.Size,
		Store:   resultStore,
		Retired: registry,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	registry.OnRollover(resultCache.HandleRollover)

	background, err := cfg.Normalizer.BackgroundColor()
	if err != nil {
		a.close()
		return nil, err
	}
	normalizer, err := domainservices.NewAssetNormalizer(domainservices.NormalizerConfig{
		Width:      cfg.Normalizer.Width,
		Height:     cfg.Normalizer.Height,
		Fit:        domainservices.FitPolicy(cfg.Normalizer.Fit),
		Background: background,
		MaxBytes:   cfg.Normalizer.MaxBytes,
		MaxPixels:  cfg.Normalizer.MaxPixels,
		MemoSize:   cfg.Normalizer.MemoSize,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	policy := domainservices.DefaultPipelinePolicy()
	policy.PoseSelection.PersonThreshold = cfg.Pipeline.PersonThreshold
	policy.PoseSelection.SamePersonIoU = cfg.Pipeline.SamePersonIoU
	policy.PoseMemoSize = cfg.Pipeline.PoseMemoSize
	policy.BlendFallback = cfg.Models[string(valueobjects.BlendModel)].Fallback

	tryOnDomainService, err := domainservices.NewTryOnDomainService(
		normalizer, domainservices.NewCompositor(), client, resultCache, sched, policy, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	var notifiers []services.ResultNotifier
	if cfg.MQTT.Broker != "" {
		mqtt := emitter.NewMQTTNotifier(emitter.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, logger)
		if err := mqtt.Connect(ctx); err != nil {
			logger.Warn("mqtt broker unreachable, notifications disabled until reconnect", "broker", cfg.MQTT.Broker, "error", err)
		}
		a.closers = append(a.closers, mqtt.Disconnect)
		notifiers = append(notifiers, mqtt)
	}

	reporter, err := reporting.NewSentryReporter(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Sentry.Release, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, reporter.Close)

	a.repo = repositories.NewMemoryTryOnRepository()
	delivery := services.NewDeliveryService(logger, notifiers...)
	a.useCase = usecases.NewTryOnUseCase(a.repo, tryOnDomainService, delivery, metrics, reporter, logger)

	handler := api.NewTryOnHandler(a.useCase, services.NewParameterService(), registry, api.HandlerConfig{
		MaxUploadSize: int64(cfg.Server.MaxUploadMB) << 20,
		WaitTimeout:   cfg.Server.WaitTimeout,
		Backends:      cfg.Backends(),
	}, logger)
	a.router = api.NewRouter(handler, metrics.Handler())
	return a, nil
}

func buildBackends(cfg config.Config, pool domainrepos.ClientPoolService, logger *slog.Logger) (inference.Backends, map[valueobjects.ModelKey]domainrepos.ModelBackend, error) {
	var backends inference.Backends
	sources := make(map[valueobjects.ModelKey]domainrepos.ModelBackend, len(cfg.Models))

	remote := func(key valueobjects.ModelKey) (*external.RemoteModelService, error) {
		m := cfg.Models[string(key)]
		return external.NewRemoteModelService(external.RemoteModelConfig{
			Key:      key,
			Endpoint: m.Endpoint,
			Codec:    m.Codec,
			Timeout:  m.Timeout,
		}, logger)
	}

	pose, err := remote(valueobjects.PoseModel)
	if err != nil {
		return backends, nil, err
	}
	backends.Pose = pose
	sources[valueobjects.PoseModel] = pose

	warp, err := remote(valueobjects.WarpModel)
	if err != nil {
		return backends, nil, err
	}
	backends.Warp = warp
	sources[valueobjects.WarpModel] = warp

	blendCfg := cfg.Models[string(valueobjects.BlendModel)]
	switch blendCfg.Backend {
	case "vertex":
		vertex, err := external.NewVertexAIService(external.VertexAIConfig{
			ProjectID: cfg.Google.ProjectID,
			Location:  cfg.Google.Location,
			VTOModel:  cfg.Google.VTOModel,
			UseSDK:    cfg.Google.UseSDK,
			Timeout:   blendCfg.Timeout,
		}, pool.VertexAIPool(), logger)
		if err != nil {
			return backends, nil, err
		}
		backends.Blend = vertex
	case "gemini":
		backends.Blend = external.NewGeminiAIService(external.GeminiAIConfig{
			Model: cfg.Google.GeminiModel,
			Pricing: external.GeminiPricing{
				InputPerMillion:  cfg.Google.GeminiPrice.InputPerMillion,
				OutputPerMillion: cfg.Google.GeminiPrice.OutputPerMillion,
			},
		}, pool.GenAIPool(), logger)
	default:
		blend, err := remote(valueobjects.BlendModel)
		if err != nil {
			return backends, nil, err
		}
		backends.Blend = blend
	}
	sources[valueobjects.BlendModel] = backends.Blend
	return backends, sources, nil
}

// watchedSources leaves out stages whose version is fixed in configuration,
// so a backend reporting a different label cannot retire it.
func watchedSources(cfg config.Config, sources map[valueobjects.ModelKey]domainrepos.ModelBackend) map[valueobjects.ModelKey]domainrepos.ModelBackend {
	watched := make(map[valueobjects.ModelKey]domainrepos.ModelBackend, len(sources))
	for key, source := range sources {
		if cfg.Models[string(key)].Version == "" {
			watched[key] = source
		}
	}
	return watched
}

// initialVersions takes configured versions and asks the backend for the
// rest.
func initialVersions(ctx context.Context, cfg config.Config, sources map[valueobjects.ModelKey]domainrepos.ModelBackend) (valueobjects.ModelVersionSet, error) {
	versions := make(valueobjects.ModelVersionSet, len(valueobjects.ModelKeys))
	for _, key := range valueobjects.ModelKeys {
		if v := cfg.Models[string(key)].Version; v != "" {
			versions[key] = v
			continue
		}
		v, err := sources[key].Version(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s model version: %w", key, err)
		}
		versions[key] = v
	}
	return versions, nil
}
