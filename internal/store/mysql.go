package store

import (
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the MySQL/MariaDB back-end.
type MySQLStore struct {
	*sqlStore
}

// NewMySQL opens a MySQL database using dsn in the go-sql-driver/mysql
// DSN form (e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true").
func NewMySQL(dsn string) (*MySQLStore, error) {
	base, err := newSQLStore("mysql", dsn, mysqlDialect)
	if err != nil {
		return nil, err
	}
	return &MySQLStore{sqlStore: base}, nil
}
