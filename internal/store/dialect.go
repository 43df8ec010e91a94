package store

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported drivers.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	// Name is the database/sql driver name.
	Name string
	// Numbered switches ? placeholders to $1, $2, ...
	Numbered bool
	// LockSuffix is appended to the job claim subquery.
	LockSuffix string
	// MaxOpenConns bounds the pool; libsql needs a single writer.
	MaxOpenConns int
}

var (
	DialectLibSQL = Dialect{
		Name:         "libsql",
		MaxOpenConns: 1,
	}
	DialectPostgres = Dialect{
		Name:         "postgres",
		Numbered:     true,
		LockSuffix:   " FOR UPDATE SKIP LOCKED",
		MaxOpenConns: 10,
	}
)

// DialectFor returns the dialect registered under driver.
func DialectFor(driver string) (Dialect, bool) {
	switch driver {
	case DialectLibSQL.Name:
		return DialectLibSQL, true
	case DialectPostgres.Name:
		return DialectPostgres, true
	}
	return Dialect{}, false
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
