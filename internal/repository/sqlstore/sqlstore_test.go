package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 9, 14, 5, 6, 123456789, time.UTC)

	got, err := parseTime(fmtTime(want))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = parseTime("2024-03-09T14:05:06Z")
	require.NoError(t, err)
	assert.True(t, want.Truncate(time.Second).Equal(got))

	got, err = parseTime("2024-03-09T16:05:06.5+02:00")
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 9, 14, 5, 6, 5e8, time.UTC).Equal(got))

	_, err = parseTime("2024-03-09 14:05:06")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ? ", lite.rebind("SELECT ? "))
}
