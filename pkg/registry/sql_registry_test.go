package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestSQLRegistry_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewSQLRegistry(db, DialectPostgres, alwaysVerify(true))
	r.nowFn = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("agent-1", "6b65792d61", r.nowFn().UTC()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, r.Register(ctx, "agent-1", []byte("key-a")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRegistry_RegisterAlreadyExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewSQLRegistry(db, DialectPostgres, alwaysVerify(true))
	ctx := context.Background()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err = r.Register(ctx, "agent-1", []byte("key-a"))
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRegistry_LookupCurrentUnknownAgent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := NewSQLRegistry(db, DialectSQLite, alwaysVerify(true))
	ctx := context.Background()

	mock.ExpectQuery("SELECT current_public_key FROM agents").
		WithArgs("ghost").
		WillReturnError(sqlNoRows())

	_, err = r.LookupCurrent(ctx, "ghost")
	require.ErrorIs(t, err, ErrUnknownAgent)
}
