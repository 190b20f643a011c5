package journal_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reserva/internal/dispatch"
	"reserva/internal/journal"
)

func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping journal tests: could not connect to postgres: %v", err)
	}

	if err := journal.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return db
}

func TestAppendAndLoad(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	j := journal.New(db)
	ctx := context.Background()

	bookingID := uuid.New()
	now := time.Now().UTC()
	events := []dispatch.Event{
		{Type: dispatch.BookingCreated, BookingID: bookingID, Timestamp: now, Payload: map[string]any{"quantity": 2}},
		{Type: dispatch.BookingConfirmed, BookingID: bookingID, Timestamp: now.Add(time.Second)},
		{Type: dispatch.BookingCompleted, BookingID: bookingID, Timestamp: now.Add(2 * time.Second)},
	}
	for _, ev := range events {
		require.NoError(t, j.Append(ctx, ev))
	}

	entries, err := j.Load(ctx, bookingID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, dispatch.BookingCreated, entries[0].Type)
	assert.Equal(t, dispatch.BookingConfirmed, entries[1].Type)
	assert.Equal(t, dispatch.BookingCompleted, entries[2].Type)
	assert.JSONEq(t, `{"quantity": 2}`, string(entries[0].Payload))

	// Order follows the cursor.
	assert.Less(t, entries[0].ID, entries[1].ID)
	assert.Less(t, entries[1].ID, entries[2].ID)
}

func TestLoad_UnknownBookingIsEmpty(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	j := journal.New(db)

	entries, err := j.Load(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStream_CursorPaging(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	j := journal.New(db)
	ctx := context.Background()

	bookingID := uuid.New()
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(ctx, dispatch.Event{
			Type:      dispatch.BookingModified,
			BookingID: bookingID,
			Timestamp: time.Now().UTC(),
		}))
	}

	all, err := j.Load(ctx, bookingID)
	require.NoError(t, err)
	require.Len(t, all, 5)

	first, err := j.Stream(ctx, all[0].ID-1, 2)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	rest, err := j.Stream(ctx, first[len(first)-1].ID, 100)
	require.NoError(t, err)
	for _, e := range rest {
		assert.Greater(t, e.ID, first[len(first)-1].ID)
	}
}
