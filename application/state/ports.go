package state

import (
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
)

// Default bounds of the HTTP port range.
const (
	DefaultMinPort uint16 = 30000
	DefaultMaxPort uint16 = 32767
)

// PortAllocator hands out ports from an inclusive range, remembering which
// workload holds each one.
type PortAllocator struct {
	held map[uint16]entities.WorkloadKey
	min  uint16
	max  uint16
	mu   sync.Mutex
}

// NewPortAllocator creates an allocator over [min, max].
func NewPortAllocator(min, max uint16) *PortAllocator {
	return &PortAllocator{held: make(map[uint16]entities.WorkloadKey), min: min, max: max}
}

// Allocate reserves the lowest free port for key.
func (a *PortAllocator) Allocate(key entities.WorkloadKey) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := uint32(a.min); p <= uint32(a.max); p++ {
		port := uint16(p)
		if _, taken := a.held[port]; !taken {
			a.held[port] = key
			return port, nil
		}
	}
	return 0, &domainerrors.PortExhaustedError{Workload: key.String(), Min: a.min, Max: a.max}
}

// Release frees a port. Freeing a free port does nothing.
func (a *PortAllocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// ReleaseAll frees every port held by key.
func (a *PortAllocator) ReleaseAll(key entities.WorkloadKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, owner := range a.held {
		if owner == key {
			delete(a.held, port)
		}
	}
}

// Holder returns the workload holding port.
func (a *PortAllocator) Holder(port uint16) (entities.WorkloadKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.held[port]
	return key, ok
}

// Len returns the number of reserved ports.
func (a *PortAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}
