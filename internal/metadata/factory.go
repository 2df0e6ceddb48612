package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bleepstore/bleepupload/internal/config"
)

// NewFromConfig opens the configured session store engine.
func NewFromConfig(ctx context.Context, cfg config.SessionsConfig) (SessionStore, error) {
	switch cfg.Engine {
	case "sqlite", "":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating session database directory: %w", err)
			}
		}
		return NewSQLiteStore(cfg.SQLite.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "local":
		return NewLocalStore(cfg.Local.RootDir, cfg.Local.CompactOnStartup)
	case "redis":
		return NewRedisStore(cfg.Redis)
	case "dynamodb":
		return NewDynamoDBStore(ctx, cfg.DynamoDB)
	case "firestore":
		return NewFirestoreStore(ctx, cfg.Firestore)
	case "cosmos":
		return NewCosmosStore(ctx, cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown session engine %q", cfg.Engine)
	}
}
