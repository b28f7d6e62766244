package record

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("record: not found")

// Key identifies one record: its kind (e.g. "session"), the peer name, and
// the device id. Kinds with no device dimension use DeviceID 0.
type Key struct {
	Kind     string
	Name     string
	DeviceID uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s.%d", k.Kind, k.Name, k.DeviceID)
}

// Backend is raw blob persistence. Implementations must make each call
// atomic; the Store layers locking and encryption on top.
type Backend interface {
	Get(key Key) ([]byte, error) // ErrNotFound when missing
	Put(key Key, data []byte) error
	Delete(key Key) error
	Devices(kind, name string) ([]uint32, error)
}

// MemoryBackend is an in-memory Backend.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[Key][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[Key][]byte{}}
}

func (b *MemoryBackend) Get(key Key) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (b *MemoryBackend) Put(key Key, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = slices.Clone(data)
	return nil
}

func (b *MemoryBackend) Delete(key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *MemoryBackend) Devices(kind, name string) ([]uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []uint32
	for k := range b.data {
		if k.Kind == kind && k.Name == name {
			ids = append(ids, k.DeviceID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
