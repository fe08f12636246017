package sql

import (
	"database/sql"
	"fmt"

	"github.com/Leafline/compliance-sync/e"
)

const (
	ECode010401 = e.Code0104 + "01"
	ECode010402 = e.Code0104 + "02"
	ECode010403 = e.Code0104 + "03"
)

// Rows wrapper struct for sql.Rows, so error handling can happen
type Rows struct {
	rows  *sql.Rows
	query string
}

// Scan wrapper for rows' Scan, which returns an extended error instead
func (r *Rows) Scan(dest ...interface{}) error {
	if err := r.rows.Scan(dest...); err != nil {
		return e.W(err, ECode010401, fmt.Sprintf("query: %s", r.query))
	}

	return nil
}

// Err wrapper for rows' Err func
func (r *Rows) Err() error {
	err := r.rows.Err()
	if err == nil {
		return nil
	}

	return e.W(err, ECode010402, fmt.Sprintf("query: %s", r.query))
}

// Close wrapper for rows' Close func - returns extended error instead
func (r *Rows) Close() error {
	if err := r.rows.Close(); err != nil {
		return e.W(err, ECode010403, fmt.Sprintf("query: %s", r.query))
	}

	return nil
}

// Next wrapper for rows' Next func
func (r *Rows) Next() bool {
	return r.rows.Next()
}
