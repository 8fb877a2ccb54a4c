package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript(t *testing.T) {
	name, up, err := Script("up")
	require.NoError(t, err)
	assert.Equal(t, "001_create_schema.up.sql", name)
	assert.Contains(t, up, "CREATE TABLE IF NOT EXISTS measurements")
	assert.Contains(t, up, "CREATE TABLE IF NOT EXISTS pipeline_runs")

	_, down, err := Script("down")
	require.NoError(t, err)
	assert.Contains(t, down, "DROP TABLE IF EXISTS measurements")

	_, _, err = Script("sideways")
	assert.Error(t, err)
}
