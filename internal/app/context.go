package app

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/engine"
	"cadence/internal/migrate"
)

// Options select the workspace and database a command runs against.
type Options struct {
	Workspace string
	DSN       string
	Logger    *slog.Logger
}

// Env is an opened workspace: live config, migrated database, and engine.
type Env struct {
	Workspace string
	Config    *config.Live
	DB        *sqlx.DB
	Engine    engine.Engine
}

// Open resolves cadence.yml (falling back to defaults), opens and migrates the
// database, and wires the engine.
func Open(opts Options) (*Env, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, DSN: opts.DSN})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	live := config.NewLive(cfg)
	e := engine.New(conn, live)
	e.Logger = opts.Logger
	return &Env{Workspace: opts.Workspace, Config: live, DB: conn, Engine: e}, nil
}

func (env *Env) Close() error {
	if env == nil || env.DB == nil {
		return nil
	}
	return env.DB.Close()
}
