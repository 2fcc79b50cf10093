// Package boot connects the service to NATS, fetching the NKEY seed from
// Vault when one is not configured directly.
package boot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	vault "github.com/hashicorp/vault/api"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/liamcoop/botevents/internal/config"
	"github.com/liamcoop/botevents/internal/logger"
)

// vaultReader abstracts Vault read operations for testing.
type vaultReader interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

var retryDelays = struct {
	initial time.Duration
	max     time.Duration
	elapsed time.Duration
}{initial: time.Second, max: 4 * time.Second, elapsed: 10 * time.Second}

func newVaultClient(addr, token string) (*vault.Client, error) {
	if token == "" {
		return nil, errors.New("VAULT_TOKEN is not set")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(token)
	return client, nil
}

// FetchNATSSeed retrieves the NKEY seed from a Vault KV v2 path.
func FetchNATSSeed(ctx context.Context, addr, token, path string) (string, error) {
	client, err := newVaultClient(addr, token)
	if err != nil {
		return "", err
	}

	var seed string
	err = withRetry(ctx, func() error {
		var fetchErr error
		seed, fetchErr = fetchSeed(ctx, client.Logical(), path)
		return fetchErr
	})
	return seed, err
}

func fetchSeed(ctx context.Context, r vaultReader, path string) (string, error) {
	secret, err := r.ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no data at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected data format at %s", path)
	}

	seed, ok := data["seed"].(string)
	if !ok || seed == "" {
		return "", fmt.Errorf("missing seed in %s", path)
	}
	return seed, nil
}

// natsOptions builds the connection options; an empty seed connects without
// NKEY authentication.
func natsOptions(name, seed string) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if seed == "" {
		return opts, nil
	}

	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	return append(opts, nats.Nkey(pub, kp.Sign)), nil
}

// ConnectNATS resolves the seed (inline or from Vault) and connects.
func ConnectNATS(ctx context.Context, cfg config.Config, name string) (*nats.Conn, error) {
	if cfg.NATSUrl == "" {
		return nil, errors.New("NATS_URL is not set")
	}

	seed := cfg.NATSNKeySeed
	if cfg.UsesVault() {
		var err error
		if seed, err = FetchNATSSeed(ctx, cfg.VaultAddr, cfg.VaultToken, cfg.VaultNKEYPath); err != nil {
			return nil, fmt.Errorf("fetch nats seed: %w", err)
		}
	}

	opts, err := natsOptions(name, seed)
	if err != nil {
		return nil, err
	}

	var nc *nats.Conn
	err = withRetry(ctx, func() error {
		var connErr error
		nc, connErr = nats.Connect(cfg.NATSUrl, opts...)
		return connErr
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.NATSUrl, err)
	}
	logger.Info("connected to nats", "url", nc.ConnectedUrl(), "nkey", seed != "")
	return nc, nil
}

func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryDelays.initial),
		backoff.WithMaxInterval(retryDelays.max),
		backoff.WithMaxElapsedTime(retryDelays.elapsed),
	)
	return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("boot: retrying", "error", err, "wait", wait)
	})
}
