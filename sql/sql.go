package sql

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/Leafline/compliance-sync/e"

	// Including postgres library for SQL connections
	_ "github.com/lib/pq"
)

const (
	ECode010101 = e.Code0101 + "01"
	ECode010102 = e.Code0101 + "02"
	ECode010103 = e.Code0101 + "03"
	ECode010104 = e.Code0101 + "04"
	ECode010105 = e.Code0101 + "05"
	ECode010106 = e.Code0101 + "06"
	ECode010107 = e.Code0101 + "07"
	ECode010108 = e.Code0101 + "08"
	ECode010109 = e.Code0101 + "09"
	ECode01010A = e.Code0101 + "0A"
	ECode01010B = e.Code0101 + "0B"
	ECode01010C = e.Code0101 + "0C"
	ECode01010D = e.Code0101 + "0D"
)

// Connection wrapper of the *sql.DB
// If a transaction is started, it is stored internally in the txn and
// automatically used when making DB calls until commit/rollback is executed.
// If during a txn, a call outside of the txn is needed, the DB property can
// be accessed directly and used to make a query/exec call.
type Connection struct {
	DB  *sql.DB
	txn *sql.Tx
}

// ConnParam connection parameters used to initialize a connection
type ConnParam struct {
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SearchPath string
}

// GetConnParamFromENV initializes new connection parameters and populates
// from ENV variables
func GetConnParamFromENV() (cp *ConnParam) {
	cp = &ConnParam{}

	if os.Getenv("DBHOST") != "" {
		cp.Host = os.Getenv("DBHOST")
	}
	if os.Getenv("DBPORT") != "" {
		cp.Port = os.Getenv("DBPORT")
	}
	if os.Getenv("DBUSER") != "" {
		cp.User = os.Getenv("DBUSER")
	}
	if os.Getenv("DBPASS") != "" {
		cp.Password = os.Getenv("DBPASS")
	}
	if os.Getenv("DBNAME") != "" {
		cp.DBName = os.Getenv("DBNAME")
	}
	if os.Getenv("SSLMODE") != "" {
		cp.SSLMode = fmt.Sprintf("sslmode=%s", os.Getenv("SSLMODE"))
	}
	if os.Getenv("DBSEARCHPATH") != "" {
		cp.SearchPath = fmt.Sprintf("search_path=%s", os.Getenv("DBSEARCHPATH"))
	}

	return cp
}

// GetConnectionStr returns a connection string
func GetConnectionStr(cp *ConnParam) (connStr string) {
	var csb strings.Builder

	if cp == nil {
		cp = GetConnParamFromENV()
	}

	_, _ = csb.WriteString("host=")
	_, _ = csb.WriteString(cp.Host)
	_, _ = csb.WriteString(" port=")
	_, _ = csb.WriteString(cp.Port)
	_, _ = csb.WriteString(" user=")
	_, _ = csb.WriteString(cp.User)
	_, _ = csb.WriteString(" password=")
	_, _ = csb.WriteString(cp.Password)
	_, _ = csb.WriteString(" dbname=")
	_, _ = csb.WriteString(cp.DBName)

	_, _ = csb.WriteString(" ")
	if cp.SSLMode != "" {
		_, _ = csb.WriteString(cp.SSLMode)
	} else {
		_, _ = csb.WriteString("sslmode=require")
	}

	if cp.SearchPath != "" {
		_, _ = csb.WriteString(" ")
		_, _ = csb.WriteString(cp.SearchPath)
	}

	return csb.String()
}

// NewPostgresConn initializes a new Postgres connection
func NewPostgresConn(cp *ConnParam) (conn *Connection, err error) {
	if cp == nil {
		cp = GetConnParamFromENV()
	}

	sqlConn, err := sql.Open("postgres", GetConnectionStr(cp))
	if err != nil {
		return nil, e.WM(err, ECode010101, "Failed to connect to DB")
	}
	if err := sqlConn.Ping(); err != nil {
		return nil, e.WM(err, ECode010102, "Failed to ping DB")
	}

	return &Connection{DB: sqlConn}, nil
}

// BeginReturnDB begins a transaction and returns a new Connection bound to
// it, leaving this connection untouched. The returned connection must be
// committed or rolled back by the caller.
func (c *Connection) BeginReturnDB() (txnDB *Connection, err error) {
	txn, err := c.DB.Begin()
	if err != nil {
		return nil, e.W(err, ECode010103)
	}

	return &Connection{DB: c.DB, txn: txn}, nil
}

// Commit wrapper for sql.Commit. If successful, will unset the txn object
func (c *Connection) Commit() (err error) {
	if c.txn == nil {
		return e.N(ECode010104, "not in a txn")
	}

	if err = c.txn.Commit(); err != nil {
		return e.W(err, ECode010105)
	}

	c.txn = nil

	return nil
}

// RollbackIfInTxn rolls back the txn if currently in one, otherwise it is
// a no op. Intended for use in defers.
func (c *Connection) RollbackIfInTxn() {
	if c.txn == nil {
		return
	}

	if err := c.txn.Rollback(); err != nil {
		// Nothing can be done about a failed rollback, the caller's error
		// takes precedence
		_ = err
	}

	c.txn = nil
}

// Query wrapper for sql.Query with automatic txn handling
func (c *Connection) Query(query string, args ...interface{}) (rows *Rows, err error) {
	var sqlRows *sql.Rows
	if c.txn != nil {
		sqlRows, err = c.txn.Query(query, args...)
	} else {
		sqlRows, err = c.DB.Query(query, args...)
	}
	if err != nil {
		// Not logging args because it may contain sensitive information. The
		// caller can log them if needed
		return nil, e.W(err, ECode010106, fmt.Sprintf("query: %s\n", query))
	}

	return &Rows{
		rows:  sqlRows,
		query: query,
	}, nil
}

// Exec wrapper for sql.Exec with automatic txn handling
func (c *Connection) Exec(query string, args ...interface{}) (res sql.Result, err error) {
	if c.txn != nil {
		res, err = c.txn.Exec(query, args...)
	} else {
		res, err = c.DB.Exec(query, args...)
	}
	if err != nil {
		// Not logging args because it may contain sensitive information. The
		// caller can log them if needed
		return nil, e.W(err, ECode010107, fmt.Sprintf("query: %s\n", query))
	}

	return res, nil
}

// QueryRow wrapper for sql.QueryRow with automatic txn handling
func (c *Connection) QueryRow(query string, args ...interface{}) (row *Row) {
	if c.txn != nil {
		return &Row{
			row:   c.txn.QueryRow(query, args...),
			query: query,
		}
	}
	return &Row{
		row:   c.DB.QueryRow(query, args...),
		query: query,
	}
}

// Select wrapper for github.com/Masterminds/squirrel.Select
func (c *Connection) Select(columns ...string) sq.SelectBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Select(columns...)
}

// Insert wrapper for github.com/Masterminds/squirrel.Insert
func (c *Connection) Insert(table string) sq.InsertBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Insert(table)
}

// Update wrapper for github.com/Masterminds/squirrel.Update
func (c *Connection) Update(table string) sq.UpdateBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Update(table)
}

// Delete wrapper for github.com/Masterminds/squirrel.Delete
func (c *Connection) Delete(from string) sq.DeleteBuilder {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Delete(from)
}

// Expr wrapper for github.com/Masterminds/squirrel.Expr
func (c *Connection) Expr(sql string, args ...interface{}) sq.Sqlizer {
	return sq.Expr(sql, args...)
}

// ExecInsert wrapper to generate SQL/bind list and then execute insert query
func (c *Connection) ExecInsert(ib sq.InsertBuilder) (err error) {
	stmt, bindList, err := ib.ToSql()
	if err != nil {
		return e.W(err, ECode010108, fmt.Sprintf("stmt: %s\n", stmt))
	}

	if _, err := c.Exec(stmt, bindList...); err != nil {
		return e.W(err, ECode010109)
	}

	return nil
}

// ExecUpdate wrapper to generate SQL/bind list and then execute update query
func (c *Connection) ExecUpdate(ub sq.UpdateBuilder) (err error) {
	stmt, bindList, err := ub.ToSql()
	if err != nil {
		return e.W(err, ECode01010A, fmt.Sprintf("stmt: %s\n", stmt))
	}

	if _, err := c.Exec(stmt, bindList...); err != nil {
		return e.W(err, ECode01010B)
	}

	return nil
}

// ExecInsertReturningID wrapper to generate SQL/bind list and then execute
// the insert query, returning the generated id
func (c *Connection) ExecInsertReturningID(ib sq.InsertBuilder) (id int, err error) {
	stmt, bindList, err := ib.ToSql()
	if err != nil {
		return 0, e.W(err, ECode01010C, fmt.Sprintf("stmt: %s\n", stmt))
	}

	if err := c.QueryRow(stmt, bindList...).Scan(&id); err != nil {
		return 0, e.W(err, ECode01010D, fmt.Sprintf("stmt: %s\n", stmt))
	}

	return id, nil
}
