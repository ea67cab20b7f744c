package repository

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/lggm33/AFP-Project/internal/domain"
	_ "github.com/lib/pq"
)

// openPostgres opens a PostgreSQL connection through lib/pq.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	return openAndPing("postgres", postgresDSN(cfg))
}

// postgresDSN renders cfg as a lib/pq keyword/value string, filling in
// local defaults for anything unset.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "afp"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	params := [][2]string{
		{"host", host},
		{"port", strconv.Itoa(port)},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
		{"dbname", dbname},
		{"sslmode", sslmode},
		{"application_name", "afp"},
		{"connect_timeout", "5"},
	}

	parts := make([]string, 0, len(params))
	for _, kv := range params {
		if kv[1] == "" {
			continue
		}
		parts = append(parts, kv[0]+"="+pqQuote(kv[1]))
	}
	return strings.Join(parts, " ")
}

// pqQuote single-quotes v when it holds spaces, quotes or backslashes.
func pqQuote(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
