package saga

import (
	"fmt"
	"reflect"
	"sync"
)

type mapping struct {
	start bool
	id    func(msg any) string
}

// Mapper resolves saga ids from messages. Each message type has exactly one
// mapping, either starting the saga or continuing it.
type Mapper struct {
	mu       sync.RWMutex
	mappings map[reflect.Type]mapping
}

// NewMapper returns an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{mappings: make(map[reflect.Type]mapping)}
}

// MapStart maps messages of type T to the saga they start.
func MapStart[T any](m *Mapper, id func(T) string) {
	add(m, true, id)
}

// Map maps messages of type T to an already started saga.
func Map[T any](m *Mapper, id func(T) string) {
	add(m, false, id)
}

func add[T any](m *Mapper, start bool, id func(T) string) {
	if id == nil {
		panic(fmt.Sprintf("knightbus: saga mapping for %s has no id function", reflect.TypeFor[T]()))
	}
	typ := reflect.TypeFor[T]()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mappings[typ]; exists {
		panic(fmt.Sprintf("knightbus: saga mapping for %s registered twice", typ))
	}
	m.mappings[typ] = mapping{start: start, id: func(msg any) string { return id(msg.(T)) }}
}

// Resolve returns the saga id for msg and whether msg starts the saga.
func (m *Mapper) Resolve(msg any) (id string, start bool, err error) {
	if msg == nil {
		return "", false, fmt.Errorf("%w: <nil>", ErrUnmappedMessage)
	}
	typ := reflect.TypeOf(msg)
	m.mu.RLock()
	mp, ok := m.mappings[typ]
	m.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnmappedMessage, typ)
	}
	id = mp.id(msg)
	if id == "" {
		return "", false, fmt.Errorf("saga id for %s is empty", typ)
	}
	return id, mp.start, nil
}

// Has reports whether messages of type T are mapped.
func Has[T any](m *Mapper) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.mappings[reflect.TypeFor[T]()]
	return ok
}
