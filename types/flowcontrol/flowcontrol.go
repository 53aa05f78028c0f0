// Package flowcontrol keeps track of which addresses produce a flow of messages, and which addresses
// have opted in to receive it.
package flowcontrol

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/routing"
)

// ID groups one producer with the consumers allowed to receive its output.
//
// IDs are generated fresh per secure channel or connection, and are never reused.
type ID string

const idLen = 32

func NewID() ID {
	return ID("fcid_" + types.RandStringBytesMaskImprSrc(idLen))
}

func (id ID) String() string {
	return string(id)
}

type producer struct {
	id      ID
	spawner *ID

	// the address this producer was registered under, additional addresses point back to it
	primary routing.Address
}

// FlowControls is the registry of producers and consumers for a single node.
//
// Constructed once per node with New and handed to everything that registers flows.
// Safe for concurrent use.
type FlowControls struct {
	mu sync.RWMutex

	producers map[routing.Address]producer
	consumers map[ID]map[routing.Address]struct{}
	spawners  map[ID]ID
}

func New() *FlowControls {
	return &FlowControls{
		producers: make(map[routing.Address]producer),
		consumers: make(map[ID]map[routing.Address]struct{}),
		spawners:  make(map[ID]ID),
	}
}

// AddProducer registers addr as the producer of id.
//
// spawner, when set, is the flow of the worker that created this producer; consumers of the spawner's flow
// are also allowed to receive messages of this flow. Additional addresses are addresses of the same worker,
// resolving to the same flow.
func (fc *FlowControls) AddProducer(addr routing.Address, id ID, spawner *ID, additional []routing.Address) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	p := producer{id: id, spawner: spawner, primary: addr}

	fc.producers[addr] = p
	for _, a := range additional {
		fc.producers[a] = p
	}

	if spawner != nil {
		fc.spawners[id] = *spawner
	}

	slog.Log(context.Background(), types.LevelTrace, "flow producer added", "address", addr, "flow", id)
}

// AddConsumer allows addr to receive messages belonging to flow id.
func (fc *FlowControls) AddConsumer(addr routing.Address, id ID) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	set, ok := fc.consumers[id]
	if !ok {
		set = make(map[routing.Address]struct{})
		fc.consumers[id] = set
	}

	set[addr] = struct{}{}

	slog.Log(context.Background(), types.LevelTrace, "flow consumer added", "address", addr, "flow", id)
}

func (fc *FlowControls) RemoveConsumer(addr routing.Address, id ID) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.removeConsumer(addr, id)
}

func (fc *FlowControls) removeConsumer(addr routing.Address, id ID) {
	set, ok := fc.consumers[id]
	if !ok {
		return
	}

	delete(set, addr)

	if len(set) == 0 {
		delete(fc.consumers, id)
	}
}

// FindFlowControlID returns the flow produced by the worker at addr.
func (fc *FlowControls) FindFlowControlID(addr routing.Address) (ID, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	p, ok := fc.producers[addr]
	return p.id, ok
}

func (fc *FlowControls) IsConsumer(addr routing.Address, id ID) bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	_, ok := fc.consumers[id][addr]
	return ok
}

// Spawner returns the flow id of the producer that spawned the producer of id, if any.
func (fc *FlowControls) Spawner(id ID) (ID, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	s, ok := fc.spawners[id]
	return s, ok
}

// Consumers returns all consumers of id, sorted.
func (fc *FlowControls) Consumers(id ID) []routing.Address {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	ret := make([]routing.Address, 0, len(fc.consumers[id]))
	for a := range fc.consumers[id] {
		ret = append(ret, a)
	}

	slices.SortFunc(ret, routing.Address.Compare)

	return ret
}

// Cleanup removes every trace of addr, called when the worker at addr stops.
func (fc *FlowControls) Cleanup(addr routing.Address) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if p, ok := fc.producers[addr]; ok && p.primary == addr {
		for a, other := range fc.producers {
			if other.primary == addr {
				delete(fc.producers, a)
			}
		}

		delete(fc.spawners, p.id)
	} else {
		delete(fc.producers, addr)
	}

	for id := range fc.consumers {
		fc.removeConsumer(addr, id)
	}
}
