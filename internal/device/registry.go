package device

import (
	"fmt"
	"sync"
)

// Factory creates the backend for a device index on first use.
type Factory func(index int) (Backend, error)

// Registry resolves a Device to the Backend that owns its memory.
type Registry struct {
	mu        sync.Mutex
	backends  map[Device]Backend
	factories map[Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		backends:  make(map[Device]Backend),
		factories: make(map[Kind]Factory),
	}
}

// NewDefaultRegistry knows the host CPU and creates HammerBlade devices on
// demand with cfg (Index is taken from the requested device).
func NewDefaultRegistry(cfg HammerBladeConfig) *Registry {
	r := NewRegistry()
	r.Register(NewCPUBackend())
	r.RegisterFactory(KindHammerBlade, func(index int) (Backend, error) {
		c := cfg
		c.Index = index
		return NewHammerBladeBackend(c)
	})
	return r
}

// Default is the process-wide registry.
var Default = NewDefaultRegistry(DefaultHammerBladeConfig())

// Register installs b for its own device, replacing any previous backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Device()] = b
}

func (r *Registry) RegisterFactory(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Lookup returns the backend for dev, instantiating it if a factory exists.
func (r *Registry) Lookup(dev Device) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[dev]; ok {
		return b, nil
	}
	f, ok := r.factories[dev.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dev)
	}
	b, err := f(dev.Index)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", dev, err)
	}
	r.backends[dev] = b
	return b, nil
}

// Devices lists the devices with an instantiated backend.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.backends))
	for d := range r.backends {
		out = append(out, d)
	}
	return out
}
