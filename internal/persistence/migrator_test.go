package persistence_test

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"

	"TollLedger/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"000001_decisions.up.sql":   {Data: []byte("CREATE TABLE a ();")},
		"000001_decisions.down.sql": {Data: []byte("DROP TABLE a;")},
		"000002_index.up.sql":       {Data: []byte("CREATE INDEX b ON a ();")},
		"000002_index.down.sql":     {Data: []byte("DROP INDEX b;")},
	}
}

func TestMigrator_UpAppliesOnlyPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE INDEX b ON a \(\);`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO public.schema_migrations").
		WithArgs("000002", "000002_index.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := persistence.NewMigrator(db, testMigrations(), zerolog.Nop())
	assert.NoError(t, m.Up(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, filename FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_index.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("DROP INDEX b;").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM public.schema_migrations").
		WithArgs("000002").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := persistence.NewMigrator(db, testMigrations(), zerolog.Nop())
	assert.NoError(t, m.Down(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_Pending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS public.schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM public.schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	pending, err := persistence.NewMigrator(db, testMigrations(), zerolog.Nop()).Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_decisions.up.sql", "000002_index.up.sql"}, pending)
}

func TestMigrations_EmbedsDecisionSchema(t *testing.T) {
	up, err := fs.ReadFile(persistence.Migrations(), "000001_decisions.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "event_log.decisions")

	_, err = fs.ReadFile(persistence.Migrations(), "000001_decisions.down.sql")
	assert.NoError(t, err)
}
