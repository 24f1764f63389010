package iterationstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	driverSQLite3 = "sqlite3"
	driverPGX     = "pgx"
)

func isPostgres(driver string) bool {
	return driver == driverPGX
}

// normalizeDriver maps the config's human-facing driver names ("sqlite",
// "postgres", "") onto the sql.Register names the stdlib drivers use.
func normalizeDriver(driver string) string {
	switch driver {
	case "", "sqlite", driverSQLite3:
		return driverSQLite3
	case "postgres", driverPGX:
		return driverPGX
	default:
		return driver
	}
}

// insertReturningID executes an INSERT and returns the auto-generated id,
// portable across sqlite3 and pgx.
func insertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if isPostgres(db.DriverName()) {
		var id int64
		err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
