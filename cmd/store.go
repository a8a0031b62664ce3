package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/wetland-drill/internal/config"
	"github.com/sells-group/wetland-drill/internal/resilience"
	"github.com/sells-group/wetland-drill/internal/store"
)

// openStore connects to the configured backend and bootstraps its schema.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	if err := c.Validate("store"); err != nil {
		return nil, err
	}
	retry := resilience.FromConfig(c.Retry)

	var st store.Store
	switch c.Store.Driver {
	case "sqlite":
		s, err := store.NewSQLite(c.Store.SQLitePath, retry)
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		s, err := store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		}, retry)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	if err := st.Bootstrap(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}
