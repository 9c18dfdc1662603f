package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lecternhq/lectern/internal/config"
)

// Store is where downloaded archives are staged between import stages. Keys
// may be hierarchical ("staging/<job>/archive").
type Store interface {
	Save(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

type Factory func(args interface{}) (Store, error)

// Backends register from init, so the map is read-only afterwards.
var registry = map[string]Factory{}

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		panic(fmt.Sprintf("filestore: invalid registration %q", name))
	}
	if _, ok := registry[key]; ok {
		panic(fmt.Sprintf("filestore: duplicate registration %q", key))
	}
	registry[key] = factory
}

func New(cfg config.FileStoreConfig) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("file_store.type is required")
	}
	factory, ok := registry[key]
	if !ok {
		known := make([]string, 0, len(registry))
		for name := range registry {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unsupported file store type %q (known: %s)", cfg.Type, strings.Join(known, ", "))
	}
	return factory(cfg.Data)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("store config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode store config: %w", err)
	}
	return nil
}
