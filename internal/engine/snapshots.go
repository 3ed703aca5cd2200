package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/scrypster/entbridge/internal/config"
	"github.com/scrypster/entbridge/internal/schema"
	"github.com/scrypster/entbridge/internal/storage"
	"github.com/scrypster/entbridge/internal/storage/postgres"
	"github.com/scrypster/entbridge/internal/storage/sqlite"
	"github.com/scrypster/entbridge/pkg/types"
)

// OpenSnapshotStore opens the schema snapshot backend named by cfg.Store.
// It returns nil, nil when snapshots are disabled. An empty sqlite DSN
// places schema.db next to the default profile file.
func OpenSnapshotStore(cfg config.SchemaConfig) (schema.SnapshotStore, error) {
	switch strings.ToLower(cfg.Store) {
	case storage.KindNone:
		return nil, nil
	case storage.KindSQLite:
		dsn := cfg.StoreDSN
		if dsn == "" {
			dir := filepath.Dir(config.DefaultProfilePath())
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, types.WrapError(types.KindConfig, err, "failed to create %s", dir)
			}
			dsn = filepath.Join(dir, "schema.db")
		}
		s, err := sqlite.NewSnapshotStore(dsn)
		if err != nil {
			return nil, types.WrapError(types.KindConfig, err, "failed to open sqlite schema store")
		}
		return s, nil
	case storage.KindPostgres:
		if cfg.StoreDSN == "" {
			return nil, types.ConfigErrorf("the postgres schema store needs a DSN")
		}
		s, err := postgres.NewSnapshotStore(cfg.StoreDSN)
		if err != nil {
			return nil, types.WrapError(types.KindConfig, err, "failed to open postgres schema store")
		}
		return s, nil
	default:
		return nil, types.ConfigErrorf("unsupported schema store %q", cfg.Store)
	}
}
