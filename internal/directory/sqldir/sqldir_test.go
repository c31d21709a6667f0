package sqldir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnector(t *testing.T) {
	_, d, err := connector("postgres", "postgres://user@localhost/procmesh?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.name)

	_, d, err = connector("mysql", "user:pw@tcp(localhost:3306)/procmesh")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.name)

	_, _, err = connector("mysql", "not a dsn")
	assert.Error(t, err)

	_, _, err = connector("sqlite", "")
	assert.Error(t, err)
}

func TestDialectPlaceholders(t *testing.T) {
	for _, q := range []string{postgres.addProcess, postgres.setOwner, postgres.getOwner} {
		assert.NotContains(t, q, "?")
		assert.True(t, strings.Contains(q, "$1"), q)
	}
	for _, q := range []string{mysqlDialect.addProcess, mysqlDialect.setOwner, mysqlDialect.getOwner} {
		assert.NotContains(t, q, "$")
		assert.True(t, strings.Contains(q, "?"), q)
	}
}
