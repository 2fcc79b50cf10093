package boot

import (
	"context"
	"errors"
	"testing"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/botevents/internal/config"
)

type mockVaultReader struct {
	secret *vault.Secret
	err    error
}

func (m *mockVaultReader) ReadWithContext(context.Context, string) (*vault.Secret, error) {
	return m.secret, m.err
}

func kvSecret(data map[string]any) *vault.Secret {
	return &vault.Secret{Data: map[string]any{"data": data}}
}

func TestFetchSeed(t *testing.T) {
	tests := []struct {
		name    string
		reader  vaultReader
		want    string
		wantErr string
	}{
		{
			name:   "valid KV v2 response",
			reader: &mockVaultReader{secret: kvSecret(map[string]any{"seed": "SUAEXAMPLE"})},
			want:   "SUAEXAMPLE",
		},
		{
			name:    "vault read error",
			reader:  &mockVaultReader{err: errors.New("connection refused")},
			wantErr: "read secret/test: connection refused",
		},
		{
			name:    "nil secret",
			reader:  &mockVaultReader{},
			wantErr: "no data at secret/test",
		},
		{
			name:    "missing data wrapper",
			reader:  &mockVaultReader{secret: &vault.Secret{Data: map[string]any{"seed": "x"}}},
			wantErr: "unexpected data format at secret/test",
		},
		{
			name:    "empty seed",
			reader:  &mockVaultReader{secret: kvSecret(map[string]any{"seed": ""})},
			wantErr: "missing seed in secret/test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fetchSeed(context.Background(), tt.reader, "secret/test")
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNATSOptions(t *testing.T) {
	opts, err := natsOptions("botevents", "")
	require.NoError(t, err)
	plain := len(opts)

	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	seed, err := kp.Seed()
	require.NoError(t, err)

	opts, err = natsOptions("botevents", string(seed))
	require.NoError(t, err)
	assert.Len(t, opts, plain+1, "seed adds nkey auth")

	_, err = natsOptions("botevents", "not-a-seed")
	assert.ErrorContains(t, err, "parse seed")
}

func TestWithRetry(t *testing.T) {
	retryDelays.initial = time.Millisecond
	retryDelays.max = time.Millisecond
	t.Cleanup(func() {
		retryDelays.initial = time.Second
		retryDelays.max = 4 * time.Second
	})

	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = withRetry(ctx, func() error { return errors.New("down") })
	assert.Error(t, err)
}

func TestConnectNATSRequiresURL(t *testing.T) {
	_, err := ConnectNATS(context.Background(), config.Config{}, "botevents")
	assert.ErrorContains(t, err, "NATS_URL")
}

func TestFetchNATSSeedRequiresToken(t *testing.T) {
	_, err := FetchNATSSeed(context.Background(), "http://127.0.0.1:8200", "", "secret/data/x")
	assert.ErrorContains(t, err, "VAULT_TOKEN")
}
