package sql

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/Leafline/compliance-sync/e"
)

const (
	// FieldPlaceHolder used in select builders so the same builder can be
	// executed as a count query and as the real select
	FieldPlaceHolder = "{fields}"
	// FieldCount replaces the placeholder when running the count query
	FieldCount = "count(*) AS cnt"

	ECode010501 = e.Code0105 + "01"
	ECode010502 = e.Code0105 + "02"
)

// QueryCount gets the count from a select builder query. The builder must
// have been created with FieldPlaceHolder as its column list.
func (c *Connection) QueryCount(sb sq.SelectBuilder) (count int, err error) {
	stmt, bindParams, err := sb.ToSql()
	if err != nil {
		return 0, e.W(err, ECode010501)
	}

	cntStmt := strings.Replace(stmt, FieldPlaceHolder, FieldCount, 1)
	row := c.QueryRow(cntStmt, bindParams...)
	if err := row.Scan(&count); err != nil {
		return 0, e.W(err, ECode010502,
			fmt.Sprintf("bindParams: %+v", bindParams))
	}

	return count, nil
}
