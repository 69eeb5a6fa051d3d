package stores

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"
)

//go:embed sql_migrations.sql
var migrationsSQL string

// Migrate applies the embedded schema. Statements are idempotent, so calling
// it on every startup is safe.
func Migrate(db *squealx.DB) error {
	for _, stmt := range strings.Split(migrationsSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}
