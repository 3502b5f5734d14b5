package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/pagestore"
)

func samplePage() pagestore.SavedPage {
	return pagestore.SavedPage{
		Index:      3,
		URL:        "https://www.carzone.ie/cars?page=2",
		ContentURI: "gs://crawl-bucket/0003_www.carzone.ie_cars_b941a131.html",
		SHA256:     "abc123",
		Bytes:      2048,
		RunID:      "run-1",
		SavedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestRecordPageInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	catalog, err := NewWithPool(mock, "")
	require.NoError(t, err)

	page := samplePage()
	mock.ExpectExec("INSERT INTO crawled_pages").
		WithArgs(page.RunID, page.Index, page.URL, page.ContentURI, page.SHA256, page.Bytes, page.SavedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, catalog.RecordPage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPageSurfacesExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	catalog, err := NewWithPool(mock, "listing_pages")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO listing_pages").
		WillReturnError(errors.New("connection reset"))

	err = catalog.RecordPage(context.Background(), samplePage())
	require.ErrorContains(t, err, "insert catalog row")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPageValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	catalog, err := NewWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, catalog.RecordPage(context.Background(), pagestore.SavedPage{}))

	var nilCatalog *Catalog
	require.Error(t, nilCatalog.RecordPage(context.Background(), samplePage()))
	nilCatalog.Close()
}

func TestEnsureTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	catalog, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawled_pages").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, catalog.EnsureTable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConstructorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "pages; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = New(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn")
	_, err = New(context.Background(), Config{DSN: "postgres://localhost/db", Table: "bad-name"})
	require.ErrorContains(t, err, "invalid table name")
}
