// Package provenanced parses daemon flags and runs the journal runtime.
package provenanced

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/provenancedb/provenance/internal/event"
	entrypoint "github.com/provenancedb/provenance/internal/platform/cmd"
	"github.com/provenancedb/provenance/internal/storage/integrity"
	"github.com/provenancedb/provenance/internal/storage/sqlite"
	"github.com/provenancedb/provenance/internal/transport"
)

// Config holds daemon configuration.
type Config struct {
	DBPath        string        `env:"PROVENANCE_DB_PATH" envDefault:"provenance.sqlite"`
	RedisAddr     string        `env:"PROVENANCE_REDIS_ADDR"`
	RedisStream   string        `env:"PROVENANCE_REDIS_STREAM" envDefault:"provenance.events"`
	RelayInterval time.Duration `env:"PROVENANCE_RELAY_INTERVAL" envDefault:"1s"`
	Verify        bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the journal database")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for outbox publishing (empty disables publishing)")
	fs.StringVar(&cfg.RedisStream, "redis-stream", cfg.RedisStream, "Redis stream key for published events")
	fs.BoolVar(&cfg.Verify, "verify", cfg.Verify, "Verify every stream's hash chain and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the journal and either verifies it or serves the outbox relay.
func Run(ctx context.Context, cfg Config) error {
	keyring, err := integrity.KeyringFromEnv()
	if err != nil {
		return err
	}
	store, err := sqlite.Open(cfg.DBPath, keyring, event.NewRegistry(),
		sqlite.WithPublishOutboxEnabled(cfg.RedisAddr != ""))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close journal: %v", err)
		}
	}()

	if cfg.Verify {
		return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceVerify, func(ctx context.Context) error {
			if err := store.VerifyAllStreams(ctx); err != nil {
				return err
			}
			log.Printf("journal verified: %s", cfg.DBPath)
			return nil
		})
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDaemon, func(ctx context.Context) error {
		if cfg.RedisAddr == "" {
			log.Printf("outbox publishing disabled, set PROVENANCE_REDIS_ADDR to enable")
			<-ctx.Done()
			return nil
		}
		publisher, err := transport.NewRedisPublisher(cfg.RedisAddr, cfg.RedisStream)
		if err != nil {
			return err
		}
		defer publisher.Close()
		relay, err := transport.NewRelay(store, publisher, log.Default(),
			transport.WithRelayInterval(cfg.RelayInterval))
		if err != nil {
			return err
		}
		return relay.Run(ctx)
	})
}
