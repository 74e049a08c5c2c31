package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionsOrdered(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	require.Equal(t, "0001_core", versions[0])
	for i := 1; i < len(versions); i++ {
		require.Less(t, versions[i-1], versions[i])
	}
}

func TestCoreSchemaCoversRepositoryTables(t *testing.T) {
	up, err := Files.ReadFile("0001_core.up.sql")
	require.NoError(t, err)
	down, err := Files.ReadFile("0001_core.down.sql")
	require.NoError(t, err)

	tables := []string{
		"stock_balances", "stock_movements",
		"orders", "order_items", "order_status_events",
		"factory_orders", "factory_order_items", "factory_order_events",
		"reservations", "consignments", "consignment_returns",
		"audit_events", "audit_changes", "idempotency_keys",
	}
	for _, table := range tables {
		require.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
		require.Contains(t, string(down), "DROP TABLE IF EXISTS "+table+";", table)
	}
	require.Equal(t, len(tables), strings.Count(string(up), "CREATE TABLE"))
}
