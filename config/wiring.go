package config

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goforge/forge/artifact"
	"github.com/goforge/forge/bus"
	"github.com/goforge/forge/router"
	"github.com/goforge/forge/sandbox"
	"github.com/goforge/forge/scheduler"
	schedulermemory "github.com/goforge/forge/scheduler/statestore/memory"
	schedulermongo "github.com/goforge/forge/scheduler/statestore/mongo"
	clientsmongo "github.com/goforge/forge/scheduler/statestore/mongo/clients/mongo"
	"github.com/goforge/forge/secret"
	"github.com/goforge/forge/telemetry"
)

// NewBus constructs the transport cfg.Bus.Transport selects.
func NewBus(cfg BusConfig, logger telemetry.Logger) (bus.Bus, error) {
	switch cfg.Transport {
	case "", "memory":
		opts := []bus.MemoryOption{}
		if logger != nil {
			opts = append(opts, bus.WithLogger(logger))
		}
		return bus.NewMemoryBus(opts...), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("config: bus.redis_addr is required for the redis transport")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts := []bus.RedisOption{}
		if cfg.RedisKeyPrefix != "" {
			opts = append(opts, bus.WithRedisKeyPrefix(cfg.RedisKeyPrefix))
		}
		if logger != nil {
			opts = append(opts, bus.WithRedisLogger(logger))
		}
		return bus.NewRedisBus(client, opts...), nil
	default:
		return nil, fmt.Errorf("config: unknown bus transport %q", cfg.Transport)
	}
}

// RegisterCredentials wires each CredentialConfig into r as a router.Credential.
func RegisterCredentials(r *router.Router, creds []CredentialConfig) {
	for _, c := range creds {
		r.RegisterCredential(router.Credential{
			KeyID:       c.KeyID,
			ProviderTag: c.ProviderTag,
			ModelTag:    c.ModelTag,
			WorkloadTag: router.WorkloadTier(c.WorkloadTag),
			RPMLimit:    c.RPMLimit,
			TPMLimit:    c.TPMLimit,
			DailyLimit:  c.DailyLimit,
			Active:      c.Active,
		})
	}
}

// WireProviderAdapters constructs and registers a router.ProviderAdapter for
// every distinct provider_tag present in creds, resolving each provider's
// secret through secrets keyed on that provider's first credential. Unknown
// provider tags are left for the caller to register directly (the router's
// adapter set is pluggable).
func WireProviderAdapters(ctx context.Context, r *router.Router, creds []CredentialConfig, secrets secret.Source) error {
	seen := make(map[string]bool, len(creds))
	for _, c := range creds {
		if seen[c.ProviderTag] {
			continue
		}
		seen[c.ProviderTag] = true

		switch c.ProviderTag {
		case "anthropic":
			key, err := secrets.Get(c.KeyID)
			if err != nil {
				return fmt.Errorf("config: resolve secret for %q: %w", c.KeyID, err)
			}
			adapter, err := router.NewAnthropicAdapter(key, c.ModelTag)
			if err != nil {
				return err
			}
			r.RegisterAdapter("anthropic", adapter)
		case "openai":
			key, err := secrets.Get(c.KeyID)
			if err != nil {
				return fmt.Errorf("config: resolve secret for %q: %w", c.KeyID, err)
			}
			adapter, err := router.NewOpenAIAdapter(key, c.ModelTag)
			if err != nil {
				return err
			}
			r.RegisterAdapter("openai", adapter)
		case "bedrock":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("config: load aws config for bedrock: %w", err)
			}
			adapter, err := router.NewBedrockAdapter(bedrockruntime.NewFromConfig(awsCfg), c.ModelTag, 4096)
			if err != nil {
				return err
			}
			r.RegisterAdapter("bedrock", adapter)
		}
	}
	return nil
}

// NewStateStore constructs the scheduler.StateStore cfg.Store.Transport
// selects.
func NewStateStore(ctx context.Context, cfg StoreConfig) (scheduler.StateStore, error) {
	switch cfg.Transport {
	case "", "memory":
		return schedulermemory.New(), nil
	case "mongo":
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("config: store.mongo_uri is required for the mongo transport")
		}
		timeout := cfg.MongoConnTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("config: connect to mongo: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			return nil, fmt.Errorf("config: ping mongo: %w", err)
		}
		mongoClient, err := clientsmongo.New(clientsmongo.Options{
			Client:     client,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
			Timeout:    timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("config: construct mongo client: %w", err)
		}
		return schedulermongo.NewStore(schedulermongo.Options{Client: mongoClient})
	default:
		return nil, fmt.Errorf("config: unknown store transport %q", cfg.Transport)
	}
}

// RouterOptions translates cfg into router.Option values.
func RouterOptions(cfg RouterConfig) []router.Option {
	var opts []router.Option
	if cfg.MaxRetries > 0 {
		opts = append(opts, router.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.BaseBackoff > 0 {
		opts = append(opts, router.WithBaseBackoff(cfg.BaseBackoff))
	}
	if cfg.DefaultCooldown > 0 {
		opts = append(opts, router.WithDefaultCooldown(cfg.DefaultCooldown))
	}
	if cfg.ConversationRetention > 0 {
		opts = append(opts, router.WithConversationRetention(cfg.ConversationRetention))
	}
	return opts
}

// NewSandboxGateway builds a sandbox.Gateway over a container.ContainerRunner
// configured from cfg. Callers that need a non-container Runner (tests, a
// remote execution service) construct the Gateway directly instead.
func NewSandboxGateway(cfg SandboxConfig, logger telemetry.Logger) (*sandbox.Gateway, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("config: sandbox.image is required to build a container-backed gateway")
	}
	runner := sandbox.NewContainerRunner(sandbox.ContainerOptions{
		Image:       cfg.Image,
		Command:     cfg.Command,
		MemoryBytes: cfg.MemoryBytes,
		NanoCPUs:    cfg.NanoCPUs,
		User:        cfg.User,
	})
	return sandbox.NewGateway(runner, logger), nil
}

// SchedulerOptions translates cfg into a scheduler.Options, layering in the
// caller-owned bus and state store (neither is serializable, so they are
// supplied rather than derived from the config file).
func SchedulerOptions(cfg SchedulerConfig, b bus.Bus, store scheduler.StateStore, logger telemetry.Logger, metrics telemetry.Metrics) scheduler.Options {
	return scheduler.Options{
		Bus:            b,
		Store:          store,
		Logger:         logger,
		Metrics:        metrics,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxBranchDepth: cfg.MaxBranchDepth,
		ResultTimeout:  cfg.ResultTimeout,
		BaseBackoff:    cfg.BaseBackoff,
	}
}

// ArtifactOptions translates cfg into artifact.Option values.
func ArtifactOptions(cfg ArtifactConfig, logger telemetry.Logger) []artifact.Option {
	opts := []artifact.Option{artifact.WithPush(cfg.Push)}
	if logger != nil {
		opts = append(opts, artifact.WithLogger(logger))
	}
	return opts
}
