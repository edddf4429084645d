package migrations

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	stmts []string
	err   error
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.stmts = append(r.stmts, sql)
	return pgconn.CommandTag{}, r.err
}

func TestFiles_LexicalOrder(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_momentum_folders.sql", files[0])
}

func TestRunPostgres_AppliesEveryFile(t *testing.T) {
	db := &recordingExecer{}
	require.NoError(t, RunPostgres(context.Background(), db))

	files, _ := Files()
	require.Len(t, db.stmts, len(files))
	assert.Contains(t, db.stmts[0], "CREATE TABLE IF NOT EXISTS momentum_folders")
}

func TestRunPostgres_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	db := &recordingExecer{err: boom}
	err := RunPostgres(context.Background(), db)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "001_momentum_folders.sql")
	assert.Len(t, db.stmts, 1)
}
