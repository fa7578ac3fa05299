//go:build integration

package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-txflow/txflow/log"
	"github.com/LerianStudio/lib-txflow/txflow/outbox"
	txPostgres "github.com/LerianStudio/lib-txflow/txflow/postgres"
)

// setupClient starts a disposable PostgreSQL container, applies the schema
// migrations and returns a connected client.
func setupClient(t *testing.T) *txPostgres.Client {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrationsPath, err := filepath.Abs(filepath.Join("..", "..", "..", "migrations"))
	require.NoError(t, err)

	client := &txPostgres.Client{
		ConnectionStringPrimary: dsn,
		PrimaryDBName:           "testdb",
		MigrationsPath:          migrationsPath,
		AllowMultiStatements:    true,
		Logger:                  log.NewNop(),
	}

	require.NoError(t, client.Connect(ctx))

	t.Cleanup(func() {
		assert.NoError(t, client.Close())
	})

	return client
}

func newRepo(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(setupClient(t))
	require.NoError(t, err)

	return repo
}

func createPendingEvent(t *testing.T, repo *Repository) *outbox.OutboxEvent {
	t.Helper()

	event, err := outbox.NewOutboxEvent("order.created", uuid.New(), []byte(`{"orderId":"O-1"}`))
	require.NoError(t, err)

	created, err := repo.Create(context.Background(), event)
	require.NoError(t, err)

	return created
}

func TestIntegration_Outbox_CreateAndGet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)
	require.Equal(t, outbox.OutboxStatusPending, created.Status)

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, "order.created", loaded.EventType)
	assert.Equal(t, outbox.OutboxStatusPending, loaded.Status)
	assert.JSONEq(t, `{"orderId":"O-1"}`, string(loaded.Payload))
}

func TestIntegration_Outbox_ListPendingClaims(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	claimed, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, created.ID, claimed[0].ID)
	assert.Equal(t, outbox.OutboxStatusProcessing, claimed[0].Status)

	// The claim is exclusive: a second relay instance sees nothing.
	again, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIntegration_Outbox_MarkPublished(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	_, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)

	publishedAt := time.Now().UTC()
	require.NoError(t, repo.MarkPublished(ctx, created.ID, publishedAt))

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.OutboxStatusPublished, loaded.Status)
	require.NotNil(t, loaded.PublishedAt)
	assert.WithinDuration(t, publishedAt, *loaded.PublishedAt, time.Second)

	// Published is terminal: it never shows up in a claim again.
	claimed, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestIntegration_Outbox_MarkPublishedRequiresClaim(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	// Without a PROCESSING claim the guarded update matches no row.
	err := repo.MarkPublished(ctx, created.ID, time.Now().UTC())
	require.Error(t, err)
}

func TestIntegration_Outbox_MarkFailedAndRetry(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	_, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailed(ctx, created.ID, "broker unavailable", 5))

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.OutboxStatusFailed, loaded.Status)
	assert.Equal(t, 1, loaded.Attempts)
	assert.Equal(t, "broker unavailable", loaded.LastError)

	// The failed event is eligible for retry and comes back claimed.
	reclaimed, err := repo.ResetForRetry(ctx, 10, time.Now().UTC().Add(time.Second), 5)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, created.ID, reclaimed[0].ID)
	assert.Equal(t, outbox.OutboxStatusProcessing, reclaimed[0].Status)
}

func TestIntegration_Outbox_MarkFailedExhaustsToInvalid(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	_, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)

	// maxAttempts 1: the first failure exhausts the budget.
	require.NoError(t, repo.MarkFailed(ctx, created.ID, "broker unavailable", 1))

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.OutboxStatusInvalid, loaded.Status)
	assert.Equal(t, "max dispatch attempts exceeded", loaded.LastError)
}

func TestIntegration_Outbox_MarkInvalid(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	_, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, repo.MarkInvalid(ctx, created.ID, "payload rejected by broker"))

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.OutboxStatusInvalid, loaded.Status)

	reclaimed, err := repo.ResetForRetry(ctx, 10, time.Now().UTC().Add(time.Second), 5)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestIntegration_Outbox_ResetStuckProcessing(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	// Claim the event, then simulate a relay crash by never settling it.
	_, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)

	reclaimed, err := repo.ResetStuckProcessing(ctx, 10, time.Now().UTC().Add(time.Second), 5)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, created.ID, reclaimed[0].ID)
	assert.Equal(t, outbox.OutboxStatusProcessing, reclaimed[0].Status)
	assert.Equal(t, 1, reclaimed[0].Attempts)
}

func TestIntegration_Outbox_ResetStuckProcessingExhaustedBecomesInvalid(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created := createPendingEvent(t, repo)

	_, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)

	// Budget of 1: the stuck event has no attempt left and is invalidated
	// instead of reclaimed.
	reclaimed, err := repo.ResetStuckProcessing(ctx, 10, time.Now().UTC().Add(time.Second), 1)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.OutboxStatusInvalid, loaded.Status)
}

func TestIntegration_Outbox_CreateWithTxRollback(t *testing.T) {
	client := setupClient(t)

	repo, err := NewRepository(client)
	require.NoError(t, err)

	ctx := context.Background()

	primaryDB, err := client.PrimaryDB(ctx)
	require.NoError(t, err)

	tx, err := primaryDB.BeginTx(ctx, nil)
	require.NoError(t, err)

	event, err := outbox.NewOutboxEvent("order.created", uuid.New(), []byte(`{"orderId":"O-2"}`))
	require.NoError(t, err)

	_, err = repo.CreateWithTx(ctx, tx, event)
	require.NoError(t, err)

	// Rolling back the business transaction discards the event with it.
	require.NoError(t, tx.Rollback())

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
