package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/extract"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1_700_000_000, 0).UTC()

func testRecord() extract.NormalizedRecord {
	return extract.NormalizedRecord{
		SourceDomain: "shop.example",
		ExternalID:   "SKU-1",
		Fields:       map[string]any{"name": "Milk", "price": 3.49},
		VersionHash:  "hash-v1",
		SourceURL:    "https://shop.example/p/1",
	}
}

var testFields = []byte(`{"name":"Milk","price":3.49}`)

func newMockStore(t *testing.T, history string) (*RecordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRecordStoreWithPool(mock, "records", history, fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func TestUpsertResults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows *pgxmock.Rows
		want extract.WriteResult
	}{
		{name: "created", rows: pgxmock.NewRows([]string{"inserted"}).AddRow(true), want: extract.WriteCreated},
		{name: "updated", rows: pgxmock.NewRows([]string{"inserted"}).AddRow(false), want: extract.WriteUpdated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, mock := newMockStore(t, "")
			rec := testRecord()

			mock.ExpectBegin()
			mock.ExpectQuery("INSERT INTO records").
				WithArgs(rec.SourceDomain, rec.ExternalID, testFields, rec.VersionHash, rec.SourceURL, testNow).
				WillReturnRows(tc.rows)
			mock.ExpectCommit()

			got, err := store.Upsert(context.Background(), rec)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpsertSameHashIsUnchanged(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectQuery("IS DISTINCT FROM EXCLUDED.version_hash").
		WithArgs(rec.SourceDomain, rec.ExternalID, testFields, rec.VersionHash, rec.SourceURL, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}))
	mock.ExpectRollback()

	got, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, extract.WriteUnchanged, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertWritesHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "record_versions")
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO records").
		WithArgs(rec.SourceDomain, rec.ExternalID, testFields, rec.VersionHash, rec.SourceURL, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectExec("INSERT INTO record_versions").
		WithArgs(rec.SourceDomain, rec.ExternalID, rec.VersionHash, testFields, rec.SourceURL, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, extract.WriteCreated, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "record_versions")
	rec := testRecord()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO records").
		WithArgs(rec.SourceDomain, rec.ExternalID, testFields, rec.VersionHash, rec.SourceURL, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))
	mock.ExpectExec("INSERT INTO record_versions").
		WithArgs(rec.SourceDomain, rec.ExternalID, rec.VersionHash, testFields, rec.SourceURL, testNow).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.Upsert(context.Background(), rec)
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBeginFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := store.Upsert(context.Background(), testRecord())
	require.ErrorContains(t, err, "begin upsert")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresKey(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t, "")
	rec := testRecord()
	rec.ExternalID = ""
	_, err := store.Upsert(context.Background(), rec)
	require.Error(t, err)
}

func TestGetRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	created := testNow.Add(-time.Hour)
	mock.ExpectQuery("SELECT fields, version_hash").
		WithArgs("shop.example", "SKU-1").
		WillReturnRows(pgxmock.NewRows([]string{"fields", "version_hash", "source_url", "created_at", "updated_at"}).
			AddRow(testFields, "hash-v1", "https://shop.example/p/1", created, testNow))

	got, err := store.GetRecord(context.Background(), "shop.example", "SKU-1")
	require.NoError(t, err)
	require.Equal(t, "SKU-1", got.ExternalID)
	require.Equal(t, "Milk", got.Fields["name"])
	require.Equal(t, created, got.CreatedAt)
	require.Equal(t, testNow, got.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecordNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "")
	mock.ExpectQuery("SELECT fields").
		WithArgs("shop.example", "missing").
		WillReturnRows(pgxmock.NewRows([]string{"fields", "version_hash", "source_url", "created_at", "updated_at"}))

	_, err := store.GetRecord(context.Background(), "shop.example", "missing")
	require.ErrorIs(t, err, extract.ErrNotFound)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "record_versions")
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS records(.|\n)*CREATE TABLE IF NOT EXISTS record_versions`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStoreWithPool(mock, "records; DROP TABLE x", "", fixedClock{})
	require.ErrorContains(t, err, "invalid table name")
	_, err = NewRecordStoreWithPool(mock, "records", "bad-name", fixedClock{})
	require.ErrorContains(t, err, "invalid history table")
	_, err = NewRecordStoreWithPool(nil, "records", "", fixedClock{})
	require.Error(t, err)
	_, err = NewRecordStoreWithPool(mock, "", "", nil)
	require.Error(t, err)
}

func TestNewRecordStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStore(context.Background(), RecordStoreConfig{}, fixedClock{})
	require.ErrorContains(t, err, "dsn")
}
