package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAggregatesProbes(t *testing.T) {
	p := NewProber(time.Minute)
	p.Register("model", func(context.Context) error { return nil })
	p.Register("knowledge", func(context.Context) error { return eris.New("connection refused") })

	report := p.Check(context.Background())

	assert.False(t, report.Healthy)
	require.Len(t, report.Dependencies, 2)
	assert.True(t, report.Dependencies["model"].Healthy)
	assert.False(t, report.Dependencies["knowledge"].Healthy)
	assert.Contains(t, report.Dependencies["knowledge"].Error, "connection refused")
}

func TestCheckCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	p := NewProber(time.Minute)
	p.Register("model", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	p.Check(context.Background())
	p.Check(context.Background())

	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckReprobesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	now := time.Now()

	p := NewProber(time.Minute)
	p.nowFunc = func() time.Time { return now }
	p.Register("model", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	p.Check(context.Background())
	now = now.Add(2 * time.Minute)
	p.Check(context.Background())

	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateForcesReprobe(t *testing.T) {
	var calls atomic.Int32
	p := NewProber(time.Minute)
	p.Register("model", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	p.Check(context.Background())
	p.Invalidate()
	p.Check(context.Background())

	assert.Equal(t, int32(2), calls.Load())
}
