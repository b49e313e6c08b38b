package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	grantsredis "goa.design/llmos/features/grants/redis"
	statemongo "goa.design/llmos/features/state/mongo"
	triggersredis "goa.design/llmos/features/triggers/redis"
	verifieranthropic "goa.design/llmos/features/verifier/anthropic"
	verifiermiddleware "goa.design/llmos/features/verifier/middleware"
	verifieropenai "goa.design/llmos/features/verifier/openai"

	"goa.design/llmos/config"
	"goa.design/llmos/runtime/bridge"
	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/orchestration"
	"goa.design/llmos/runtime/security"
	"goa.design/llmos/runtime/security/intent"
	"goa.design/llmos/runtime/telemetry"
)

// newBridge assembles a bridge from the configuration. The returned
// cleanup closes backend connections; call it after Bridge.Stop.
func newBridge(cfg config.Config) (*bridge.Bridge, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	profile, err := loadProfile(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := []bridge.Option{
		bridge.WithProfile(profile),
		bridge.WithLogger(telemetry.NewClueLogger()),
		bridge.WithMetrics(telemetry.NewClueMetrics()),
		bridge.WithTracer(telemetry.NewClueTracer()),
		bridge.WithWorkingDir(cfg.WorkingDir),
		bridge.WithStrictTemplates(cfg.StrictTemplates),
		bridge.WithRateLimit(cfg.Limits.CallsPerMinute, cfg.Limits.PerAction),
		bridge.WithQueueTimeout(cfg.Triggers.QueueTimeout),
	}

	if len(cfg.Limits.ModuleConcurrency) > 0 {
		overrides := make(map[string]int, len(cfg.Limits.ModuleConcurrency))
		defaultCap := 0
		for module, n := range cfg.Limits.ModuleConcurrency {
			if module == "default" {
				defaultCap = n
				continue
			}
			overrides[module] = n
		}
		opts = append(opts, bridge.WithResourceCaps(defaultCap, overrides))
	}

	switch cfg.State.Backend {
	case "file":
		store, err := orchestration.NewFileStateStore(cfg.State.Dir)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, bridge.WithStateStore(store))
	case "mongo":
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.State.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		cleanups = append(cleanups, func() { _ = client.Disconnect(context.Background()) })
		store, err := statemongo.New(statemongo.Options{Client: client, Database: cfg.State.Database})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, bridge.WithStateStore(store))
	}

	if cfg.Triggers.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Triggers.Addr})
		cleanups = append(cleanups, func() { _ = client.Close() })
		store, err := triggersredis.New(triggersredis.Options{Client: client})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, bridge.WithTriggerStore(store))
	}

	if cfg.Grants.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Grants.Addr})
		cleanups = append(cleanups, func() { _ = client.Close() })
		store, err := grantsredis.New(grantsredis.Options{Client: client})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, bridge.WithGrantStore(store))
	}

	if cfg.Events.File != "" {
		sink, err := events.NewFileSink(cfg.Events.File)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, bridge.WithEventSink(sink))
	}

	if cfg.Verifier.Provider != "" {
		client, err := buildVerifier(cfg.Verifier)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, bridge.WithIntentVerifier(client, cfg.Verifier.Strict))
	}

	b, err := bridge.New(opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return b, cleanup, nil
}

// loadProfile resolves the configured profile: custom file first, then
// the built-ins.
func loadProfile(cfg config.Config) (security.Profile, error) {
	if cfg.ProfilesFile != "" {
		data, err := os.ReadFile(cfg.ProfilesFile)
		if err != nil {
			return security.Profile{}, fmt.Errorf("read profiles: %w", err)
		}
		profiles, err := security.LoadProfiles(data)
		if err != nil {
			return security.Profile{}, err
		}
		if p, ok := profiles[cfg.Profile]; ok {
			return p, nil
		}
	}
	return security.BuiltinProfile(cfg.Profile)
}

// buildVerifier wires the provider SDK behind the rate-limit and retry
// middleware.
func buildVerifier(cfg config.VerifierConfig) (intent.ChatClient, error) {
	var (
		client intent.ChatClient
		err    error
	)
	switch cfg.Provider {
	case "anthropic":
		client, err = verifieranthropic.NewFromAPIKey(cfg.APIKey, cfg.Model)
	case "openai":
		client, err = verifieropenai.NewFromAPIKey(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown verifier provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	client = verifiermiddleware.NewRateLimited(client, cfg.RequestsPerMinute)
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return verifiermiddleware.NewRetrier(client, attempts, time.Second), nil
}
