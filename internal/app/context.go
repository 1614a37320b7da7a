package app

import (
	"context"
	"database/sql"

	"dealflow/internal/config"
	"dealflow/internal/db"
	"dealflow/internal/engine"
	"dealflow/internal/migrate"
)

// Context carries the handles a command needs: the resolved workspace, its
// effective config, the open database and an engine bound to both.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
}

// Open prepares a workspace for use. It ensures the .dealflow directory,
// loads dealflow.yml (defaults when the file is absent), opens the database
// and applies pending migrations, so callers always see the current schema.
func Open(ctx context.Context, workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg),
	}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	return c.DB.Close()
}
