package sql

import (
	"database/sql"
	"fmt"

	"github.com/Leafline/compliance-sync/e"
)

const (
	ECode010301 = e.Code0103 + "01"
	ECode010302 = e.Code0103 + "02"
)

// Row a wrapper struct for sql.Row, so error handling can happen
type Row struct {
	row   *sql.Row
	query string
}

// Scan wrapper for row's Scan, which returns an extended error instead
func (r *Row) Scan(dest ...interface{}) error {
	if err := r.row.Scan(dest...); err != nil {
		return e.W(err, ECode010301, fmt.Sprintf("query: %s", r.query))
	}

	return nil
}

// Err wrapper for row's Err func
func (r *Row) Err() error {
	err := r.row.Err()
	if err == nil {
		return nil
	}

	return e.W(err, ECode010302, fmt.Sprintf("query: %s", r.query))
}
