package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/txproxy/internal/observability"
)

func TestNewWatcher_WithOptions(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validConfigYAML)

	w, err := NewWatcher(path, func(*ProxyConfig) {},
		WithDebounceDelay(200*time.Millisecond),
		WithLogger(observability.NopLogger()),
		WithErrorCallback(func(error) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, path, w.path)
	assert.Equal(t, 200*time.Millisecond, w.debounceDelay)
	assert.NotNil(t, w.errorCallback)
}

func TestWatcher_Start_InvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "apiVersion: txproxy.io/v1\nkind: Gateway\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, w.LastConfig())
	assert.NoError(t, w.Stop())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validConfigYAML)

	var reloaded atomic.Pointer[ProxyConfig]
	w, err := NewWatcher(path, func(cfg *ProxyConfig) { reloaded.Store(cfg) },
		WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	assert.Equal(t, []string{"tx-a"}, w.LastConfig().Spec.Routing.Defaults)

	updated := strings.Replace(validConfigYAML, "defaults: [tx-a]", "defaults: [tx-b]", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		cfg := reloaded.Load()
		return cfg != nil && len(cfg.Spec.Routing.Defaults) == 1 && cfg.Spec.Routing.Defaults[0] == "tx-b"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_ForceReload_KeepsLastGoodConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, validConfigYAML)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("kind: Broken\n"), 0o600))
	require.Error(t, w.ForceReload())

	require.NotNil(t, w.LastConfig())
	assert.Equal(t, "combined-tx", w.LastConfig().Metadata.Name)
}
