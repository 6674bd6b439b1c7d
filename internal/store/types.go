package store

// Config is the configured database descriptor named in a job
// scheduler's config file: Type selects the back-end, the remaining
// fields are interpreted according to it.
type Config struct {
	Type string `yaml:"type" json:"type"` // "sqlite" (default), "postgres", "mysql", "clickhouse"

	Path string `yaml:"path,omitempty" json:"path,omitempty"` // sqlite

	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"` // postgres, mysql

	Host     string `yaml:"host,omitempty" json:"host,omitempty"` // clickhouse
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}
