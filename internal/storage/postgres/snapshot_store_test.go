package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/croc/internal/prerender"
)

func fixedIDs(ids ...string) func() (uuid.UUID, error) {
	i := 0
	return func() (uuid.UUID, error) {
		id := uuid.MustParse(ids[i])
		i++
		return id, nil
	}
}

func TestRecordSnapshotsInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSnapshotStoreWithPool(mock, "snapshots")
	require.NoError(t, err)
	store.newID = fixedIDs(
		"0190b6a4-0000-7000-8000-000000000001",
		"0190b6a4-0000-7000-8000-000000000002",
	)

	now := time.Unix(1700000000, 0).UTC()
	artifacts := []prerender.Artifact{
		{Route: "/", Location: "/srv/dist/index.html", Bytes: 120, Digest: "aa", CapturedAt: now, Duration: 1500 * time.Millisecond},
		{Route: "/about", Location: "/srv/dist/about/index.html", Bytes: 80, Digest: "bb", CapturedAt: now, Duration: 250 * time.Millisecond},
	}

	mock.ExpectExec(`INSERT INTO snapshots`).
		WithArgs(
			"0190b6a4-0000-7000-8000-000000000001", "run-1", "/", "/srv/dist/index.html", "aa", 120, now, int64(1500),
			"0190b6a4-0000-7000-8000-000000000002", "run-1", "/about", "/srv/dist/about/index.html", "bb", 80, now, int64(250),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, store.RecordSnapshots(context.Background(), "run-1", artifacts))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSnapshotsPropagatesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSnapshotStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO snapshots`).
		WithArgs(pgxmock.AnyArg(), "run-1", "/", "", "", 0, time.Time{}, int64(0)).
		WillReturnError(errors.New("relation does not exist"))

	err = store.RecordSnapshots(context.Background(), "run-1", []prerender.Artifact{{Route: "/"}})
	require.ErrorContains(t, err, "insert snapshots")
	require.ErrorContains(t, err, "relation does not exist")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSnapshotsNoArtifacts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSnapshotStoreWithPool(mock, "snapshots")
	require.NoError(t, err)

	require.NoError(t, store.RecordSnapshots(context.Background(), "run-1", nil))
	require.Error(t, store.RecordSnapshots(context.Background(), "", []prerender.Artifact{{Route: "/"}}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSnapshotStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSnapshotStoreWithPool(nil, "snapshots")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewSnapshotStoreWithPool(mock, "snapshots; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewSnapshotStore(context.Background(), SnapshotStoreConfig{})
	require.ErrorContains(t, err, "database.dsn")
}
