package flowcontrol

import (
	"sync"
	"testing"

	"github.com/edup2p/meshwire/types/routing"
	"github.com/stretchr/testify/assert"
)

var (
	producerAddr = routing.Local("decryptor")
	producerAlt  = routing.Local("decryptor_internal")
	appAddr      = routing.Local("app")
	otherAddr    = routing.Local("other")
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for range 100 {
		id := NewID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestProducerConsumer(t *testing.T) {
	fc := New()
	id := NewID()

	fc.AddProducer(producerAddr, id, nil, []routing.Address{producerAlt})

	found, ok := fc.FindFlowControlID(producerAddr)
	assert.True(t, ok)
	assert.Equal(t, id, found)

	found, ok = fc.FindFlowControlID(producerAlt)
	assert.True(t, ok)
	assert.Equal(t, id, found)

	_, ok = fc.FindFlowControlID(appAddr)
	assert.False(t, ok)

	assert.False(t, fc.IsConsumer(appAddr, id), "membership must be explicit")

	fc.AddConsumer(appAddr, id)
	assert.True(t, fc.IsConsumer(appAddr, id))
	assert.False(t, fc.IsConsumer(otherAddr, id))
	assert.Equal(t, []routing.Address{appAddr}, fc.Consumers(id))

	fc.RemoveConsumer(appAddr, id)
	assert.False(t, fc.IsConsumer(appAddr, id))
}

func TestSpawner(t *testing.T) {
	fc := New()
	listener := NewID()
	child := NewID()

	fc.AddProducer(routing.Local("listener"), listener, nil, nil)
	fc.AddProducer(producerAddr, child, &listener, nil)

	s, ok := fc.Spawner(child)
	assert.True(t, ok)
	assert.Equal(t, listener, s)

	_, ok = fc.Spawner(listener)
	assert.False(t, ok)
}

func TestCleanup(t *testing.T) {
	fc := New()
	id := NewID()
	spawner := NewID()

	fc.AddProducer(producerAddr, id, &spawner, []routing.Address{producerAlt})
	fc.AddConsumer(appAddr, id)
	fc.AddConsumer(producerAddr, spawner)

	fc.Cleanup(producerAddr)

	_, ok := fc.FindFlowControlID(producerAddr)
	assert.False(t, ok)
	_, ok = fc.FindFlowControlID(producerAlt)
	assert.False(t, ok)
	_, ok = fc.Spawner(id)
	assert.False(t, ok)
	assert.False(t, fc.IsConsumer(producerAddr, spawner))

	// consumers of the flow are still registered until they stop themselves
	assert.True(t, fc.IsConsumer(appAddr, id))

	fc.Cleanup(appAddr)
	assert.Empty(t, fc.Consumers(id))
}

func TestConcurrentRegistration(t *testing.T) {
	fc := New()
	id := NewID()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fc.AddConsumer(routing.Local(string(rune('a'+i%26))+"-consumer"), id)
		}()
	}
	wg.Wait()

	assert.Len(t, fc.Consumers(id), 26)
}
