package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/danthegoodman1/kpibridge/gologger"
)

var (
	logger = gologger.NewLogger()

	ErrConstantNotFound = errors.New("constant not found")
)

type (
	// MetaStore is the process-wide attribute store of named pipeline constants.
	// Values are raw JSON documents, credential mappings among them.
	MetaStore interface {
		GetConstant(ctx context.Context, name string) (json.RawMessage, error)
		SetConstant(ctx context.Context, name string, value json.RawMessage) error
		ListConstants(ctx context.Context) ([]string, error)

		Shutdown(ctx context.Context) error
	}

	MemoryMetaStore struct {
		mu        sync.RWMutex
		constants map[string]json.RawMessage
	}
)

func NewMemoryMetaStore() *MemoryMetaStore {
	return &MemoryMetaStore{
		constants: make(map[string]json.RawMessage),
	}
}

func (m *MemoryMetaStore) GetConstant(_ context.Context, name string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.constants[name]
	if !ok {
		return nil, ErrConstantNotFound
	}
	return v, nil
}

func (m *MemoryMetaStore) SetConstant(_ context.Context, name string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constants[name] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *MemoryMetaStore) ListConstants(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.constants))
	for n := range m.constants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryMetaStore) Shutdown(_ context.Context) error {
	return nil
}
