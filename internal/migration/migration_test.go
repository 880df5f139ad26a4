package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	source, err := iofs.New(migrationsFS, "migrations")
	require.NoError(t, err)
	defer source.Close()

	first, err := source.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, identifier, err := source.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "create_perfmon_samples", identifier)

	down, _, err := source.ReadDown(first)
	require.NoError(t, err)
	down.Close()
}

func TestMigrationsCreateSampleTable(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/000001_create_perfmon_samples.up.sql")
	require.NoError(t, err)

	sql := string(data)
	assert.True(t, strings.Contains(sql, "CREATE TABLE IF NOT EXISTS perfmon_samples"))
	for _, column := range []string{"agent", "name", "unit", "value", "collected_at"} {
		assert.Contains(t, sql, column)
	}
}
