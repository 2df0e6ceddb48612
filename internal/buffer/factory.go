package buffer

import (
	"fmt"

	"github.com/bleepstore/bleepupload/internal/config"
)

// NewFromConfig builds the configured buffer store.
func NewFromConfig(cfg config.BufferConfig) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileStore(cfg.Dir)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown buffer backend %q", cfg.Backend)
	}
}
