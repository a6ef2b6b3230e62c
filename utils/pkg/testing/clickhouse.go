package comptesting

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rsprolipsi/compensation/engine/pkg/clickhouse"
	clickhousetesting "github.com/rsprolipsi/compensation/engine/pkg/clickhouse/testing"
)

// NewClickHouseClient returns a client on a fresh, migrated database.
func NewClickHouseClient(t *testing.T, db *clickhousetesting.DB) clickhouse.Client {
	t.Helper()
	client, database := clickhousetesting.NewTestClient(t, db)
	require.NoError(t, clickhouse.Migrate(t.Context(), NewLogger(), db.ClientConfig(database)))
	return client
}
