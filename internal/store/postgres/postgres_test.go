package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://bot:pw@db:5432/algobot?sslmode=disable",
		DSN(ClientConfig{User: "bot", Password: "pw", Host: "db", Database: "algobot"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestWindowedQuery(t *testing.T) {
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	q, args := windowed("SELECT * FROM t", "closed_at", domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT * FROM t WHERE 1=1 AND closed_at >= $1 ORDER BY closed_at DESC LIMIT $2 OFFSET $3", q)
	assert.Equal(t, []any{since, 10, 20}, args)

	q, args = windowed("SELECT * FROM t", "created_at", domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM t WHERE 1=1 ORDER BY created_at DESC", q)
	assert.Empty(t, args)
}

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_audit_log.sql", "002_trade_outcomes.sql"}, names)
}

func TestDSNEscapesCredentials(t *testing.T) {
	assert.Equal(t, "postgres://bot:p%40ss%2Fw@db:6543/ledger?sslmode=require",
		DSN(ClientConfig{User: "bot", Password: "p@ss/w", Host: "db", Port: 6543, Database: "ledger", SSLMode: "require"}))
}
