// Package dbtest opens throwaway sqlite databases for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"clashstats/cs/common/config"
	"clashstats/cs/db"

	"github.com/stretchr/testify/require"
)

var seq atomic.Int64

// Open returns a migrated in-memory database closed at test cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_foreign_keys=on", name, seq.Add(1))
	d, err := db.OpenGorm("sqlite", dsn, config.DBPoolCfg{MaxOpen: 1})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))
	t.Cleanup(func() { _ = d.Close() })
	return d
}
