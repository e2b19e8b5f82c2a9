package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/deskhive/deskhive/api/pkg/config"
	"github.com/deskhive/deskhive/api/pkg/types"
)

// SQLStore is the gorm-backed Store. SQLite covers dev and tests,
// postgres covers shared deployments; everything above the driver is
// identical.
type SQLStore struct {
	cfg config.Store
	gdb *gorm.DB
}

func NewSQLStore(cfg config.Store) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		dialector = sqlite.Open(cfg.SQLitePath)
	case "postgres":
		dialector = postgres.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLStore{
		cfg: cfg,
		gdb: gdb,
	}

	if cfg.AutoMigrate {
		if err := s.autoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	log.Info().Str("driver", cfg.Driver).Msg("store ready")

	return s, nil
}

func (s *SQLStore) autoMigrate() error {
	return s.gdb.AutoMigrate(
		&types.Session{},
		&types.Message{},
	)
}
