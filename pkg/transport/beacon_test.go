package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatedDeliverer struct {
	mu        sync.Mutex
	delivered [][]byte
	started   chan struct{}
	gate      chan struct{}
	cancelled int
}

func newGatedDeliverer(open bool) *gatedDeliverer {
	d := &gatedDeliverer{started: make(chan struct{}, 16), gate: make(chan struct{})}
	if open {
		close(d.gate)
	}
	return d
}

func (d *gatedDeliverer) Deliver(ctx context.Context, payload []byte) error {
	d.started <- struct{}{}
	select {
	case <-d.gate:
	case <-ctx.Done():
		d.mu.Lock()
		d.cancelled++
		d.mu.Unlock()
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, payload)
	return nil
}

func (d *gatedDeliverer) snapshot() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.delivered...)
}

func TestBeaconDeliversQueuedPayloadsInOrder(t *testing.T) {
	d := newGatedDeliverer(true)
	b, err := NewBeacon(d, 8)
	require.NoError(t, err)

	for _, p := range []string{"A", "B", "C"} {
		require.True(t, b.TryEnqueue([]byte(p)))
	}
	require.NoError(t, b.Close())

	assert.Equal(t, [][]byte{[]byte("A"), []byte("B"), []byte("C")}, d.snapshot())
}

func TestBeaconRejectsOversizedFullAndClosed(t *testing.T) {
	d := newGatedDeliverer(false)
	b, err := NewBeacon(d, 1, WithBeaconMaxBytes(4), WithBeaconDrainTimeout(time.Second))
	require.NoError(t, err)

	assert.False(t, b.TryEnqueue([]byte("too large")))

	require.True(t, b.TryEnqueue([]byte("one")))
	select {
	case <-d.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first payload")
	}
	require.True(t, b.TryEnqueue([]byte("two")))
	assert.False(t, b.TryEnqueue([]byte("three")), "queue should be full")
	assert.Equal(t, 1, b.Pending())

	close(d.gate)
	require.NoError(t, b.Close())
	assert.False(t, b.TryEnqueue([]byte("four")), "closed beacon must reject")
	assert.Len(t, d.snapshot(), 2)

	require.NoError(t, b.Close(), "second close is a no-op")
}

func TestBeaconCloseAbandonsAfterDrainTimeout(t *testing.T) {
	d := newGatedDeliverer(false)
	b, err := NewBeacon(d, 4, WithBeaconDrainTimeout(10*time.Millisecond))
	require.NoError(t, err)

	require.True(t, b.TryEnqueue([]byte("stuck")))
	select {
	case <-d.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the payload")
	}
	require.True(t, b.TryEnqueue([]byte("never")))

	assert.Error(t, b.Close())
	assert.Empty(t, d.snapshot())

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.cancelled)
}

func TestNewBeaconValidation(t *testing.T) {
	_, err := NewBeacon(nil, 1)
	assert.Error(t, err)
	_, err = NewBeacon(newGatedDeliverer(true), 0)
	assert.Error(t, err)
}
