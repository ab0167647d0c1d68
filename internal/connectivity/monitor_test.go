package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProber) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func TestSet_SignalsRestoredOnTransition(t *testing.T) {
	t.Parallel()
	m := New(nil, 0, nil)
	assert.False(t, m.Online())

	m.Set(false)
	assert.Empty(t, m.Restored())

	m.Set(true)
	assert.True(t, m.Online())
	select {
	case <-m.Restored():
	default:
		t.Fatal("expected restored signal")
	}

	m.Set(true)
	assert.Empty(t, m.Restored(), "no signal without a transition")

	m.Set(false)
	m.Set(true)
	m.Set(false)
	m.Set(true)
	assert.Len(t, m.Restored(), 1, "signals are coalesced")
}

func TestProbe(t *testing.T) {
	t.Parallel()
	p := &scriptedProber{results: []error{errors.New("down"), nil}}
	m := New(p, time.Minute, nil)

	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.Online())
	assert.True(t, m.Probe(context.Background()))
	assert.True(t, m.Online())
	assert.Len(t, m.Restored(), 1)
}

func TestRun_ProbesUntilCancelled(t *testing.T) {
	t.Parallel()
	p := &scriptedProber{}
	m := New(p, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.calls >= 3
	}, time.Second, time.Millisecond)
	assert.True(t, m.Online())

	cancel()
	require.NoError(t, <-done)
}
