package relay

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestSeenRingDedupes(t *testing.T) {
	ring := newSeenRing(2)

	assert.True(t, ring.add("a"))
	assert.False(t, ring.add("a"))
	assert.True(t, ring.add("b"))

	// "c" evicts "a", the oldest entry.
	assert.True(t, ring.add("c"))
	assert.True(t, ring.add("a"))
	assert.False(t, ring.add("c"))
}

func TestPoolWithoutRelays(t *testing.T) {
	pool := NewPool(nil, "")
	assert.Empty(t, pool.Relays())

	_, err := pool.Subscribe(context.Background(), nostr.Filter{Kinds: []int{30078}}, nil, nil)
	assert.ErrorIs(t, err, ErrNoRelays)

	_, err = pool.Publish(context.Background(), nostr.Event{Kind: 30078, Content: "{}"})
	assert.ErrorIs(t, err, ErrNoSigner)

	signing := NewPool(nil, nostr.GeneratePrivateKey())
	_, err = signing.Publish(context.Background(), nostr.Event{Kind: 30078, Content: "{}"})
	assert.ErrorIs(t, err, ErrNoRelays)
}
