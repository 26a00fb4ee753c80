package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/inkwell/internal/activity"
	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the store backing the engine.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured store and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Models lists every table the service migrates. The activity tables are
// owned by the platform; they are migrated so an empty store is usable.
func Models() []any {
	models := quests.Models()
	models = append(models,
		&users.Identity{},
		&users.Account{},
		&activity.Post{},
		&activity.Like{},
		&activity.Bookmark{},
		&activity.Streak{},
		&migrationRecord{},
	)
	return models
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
