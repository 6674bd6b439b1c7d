package store

import "fmt"

// New builds a Store for the configured database descriptor. An empty
// or "sqlite" Type selects the embedded default.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "mysql":
		return NewMySQL(cfg.DSN)
	case "clickhouse":
		return NewClickHouse(cfg.Host, cfg.Database, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("store: unsupported database type %q", cfg.Type)
	}
}
