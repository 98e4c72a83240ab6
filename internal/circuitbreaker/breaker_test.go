package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	name     string
	from, to State
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *recorder) record(name string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{name, from, to})
}

func (r *recorder) all() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.transitions...)
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, err := b.Allow()
	require.NoError(t, err)
	done(false)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := NewRegistry(Config{Threshold: 3, Timeout: time.Hour}, WithStateCallback(rec.record))
	b := r.GetOrCreate("A")

	fail(t, b)
	fail(t, b)
	assert.Equal(t, 2, b.ConsecutiveFailures())

	// A success resets the streak.
	done, err := b.Allow()
	require.NoError(t, err)
	done(true)
	assert.Zero(t, b.ConsecutiveFailures())

	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Allow()
	require.Error(t, err)
	assert.True(t, IsRejection(err))

	assert.Equal(t, []transition{{"A", StateClosed, StateOpen}}, rec.all())
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	r := NewRegistry(Config{Threshold: 1, Timeout: 10 * time.Millisecond}, WithStateCallback(rec.record))
	b := r.GetOrCreate("A")

	fail(t, b)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	done, err := b.Allow()
	require.NoError(t, err)
	done(true)
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []transition{
		{"A", StateClosed, StateOpen},
		{"A", StateOpen, StateHalfOpen},
		{"A", StateHalfOpen, StateClosed},
	}, rec.all())
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultThreshold, cfg.Threshold)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
}

func TestIsRejection(t *testing.T) {
	t.Parallel()

	assert.False(t, IsRejection(nil))
	assert.False(t, IsRejection(errors.New("boom")))
}

func TestSafeIntToUint32(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0), safeIntToUint32(-1))
	assert.Equal(t, uint32(7), safeIntToUint32(7))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	assert.Nil(t, r.Get("A"))

	a := r.GetOrCreate("A")
	assert.Same(t, a, r.GetOrCreate("A"))
	r.GetOrCreate("B")
	r.GetOrCreate("C")
	assert.Equal(t, []string{"A", "B", "C"}, r.Names())

	r.Retain([]string{"A", "C"})
	assert.Equal(t, []string{"A", "C"}, r.Names())
	assert.Nil(t, r.Get("B"))

	assert.Equal(t, map[string]State{"A": StateClosed, "C": StateClosed}, r.States())
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	var wg sync.WaitGroup
	got := make([]*Breaker, 32)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = r.GetOrCreate("shared")
		}()
	}
	wg.Wait()

	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}
