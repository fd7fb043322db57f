package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildLogWhere_Empty(t *testing.T) {
	where, args := buildLogWhere(postgresDialect, LogQuery{})
	assert.Empty(t, where)
	assert.Nil(t, args)
}

func TestBuildLogWhere_Postgres(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildLogWhere(postgresDialect, LogQuery{Method: "post", Path: "send", StatusCode: 429, From: from})

	assert.Equal(t, ` WHERE method = $1 AND path LIKE $2 ESCAPE '\' AND status_code = $3 AND timestamp >= $4`, where)
	assert.Equal(t, []any{"POST", "%send%", 429, from}, args)
}

func TestBuildLogWhere_SQLite(t *testing.T) {
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args := buildLogWhere(sqliteDialect, LogQuery{To: to})

	assert.Equal(t, " WHERE timestamp <= ?", where)
	assert.Equal(t, []any{to.UnixMilli()}, args)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_off`, escapeLike("100%_off"))
}
