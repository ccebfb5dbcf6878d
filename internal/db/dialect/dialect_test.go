package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPostgres(t *testing.T) {
	assert.True(t, IsPostgres(PGX))
	assert.False(t, IsPostgres(SQLite3))
}

func TestAutoIncrementPK(t *testing.T) {
	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", AutoIncrementPK(SQLite3))
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", AutoIncrementPK(PGX))
}
