package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"booksync/internal/catalog"
	"booksync/internal/config"
	"booksync/internal/logger"
	"booksync/internal/merge"
	"booksync/internal/series"
	"booksync/internal/store"
)

type mockCatalogClient struct {
	mock.Mock
}

func (m *mockCatalogClient) GetLibraryItems(ctx context.Context) ([]catalog.Item, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]catalog.Item), args.Error(1)
}

func (m *mockCatalogClient) GetProductDetail(ctx context.Context, asin string, responseGroups string) (catalog.Item, error) {
	args := m.Called(ctx, asin, responseGroups)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(catalog.Item), args.Error(1)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Sync.StalenessWindow = 6 * time.Hour
	cfg.Sync.BatchSize = 20
	cfg.Sync.Workers = 2
	cfg.Sync.OfflineLimit = 10
	return cfg
}

func newTestOrchestrator(t *testing.T, client catalog.ClientInterface) (*Orchestrator, *store.Repository) {
	t.Helper()
	db, err := store.NewDatabaseInMemory(logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := store.NewRepository(db, logger.Get())
	engine := merge.NewEngine(repo, logger.Get())
	builder := series.NewBuilder(client, repo, logger.Get())
	return New(client, repo, engine, builder, testConfig()), repo
}

func TestStatusIdleBeforeFirstSync(t *testing.T) {
	orchestrator, _ := newTestOrchestrator(t, &mockCatalogClient{})

	status := orchestrator.GetStatus()
	assert.Equal(t, PhaseIdle, status.Phase)
	assert.Empty(t, status.SessionID)
}

func TestFullSyncInsertsListingItems(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, repo := newTestOrchestrator(t, client)

	listing := []catalog.Item{
		{"asin": "B0AAAAAAA1", "title": "First Book"},
		{"asin": "B0AAAAAAA2", "title": "Second Book"},
	}
	client.On("GetLibraryItems", mock.Anything).Return(listing, nil)
	client.On("GetProductDetail", mock.Anything, "B0AAAAAAA1", mock.Anything).
		Return(catalog.Item{"asin": "B0AAAAAAA1", "title": "First Book"}, nil)
	client.On("GetProductDetail", mock.Anything, "B0AAAAAAA2", mock.Anything).
		Return(catalog.Item{"asin": "B0AAAAAAA2", "title": "Second Book"}, nil)

	result, err := orchestrator.StartSync(context.Background(), ModeFull, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Zero(t, result.Failed)
	assert.Equal(t, ModeFull, result.Mode)
	assert.NotEmpty(t, result.SessionID)

	for _, asin := range []string{"B0AAAAAAA1", "B0AAAAAAA2"} {
		book, err := repo.FindByASIN(asin)
		require.NoError(t, err)
		require.NotNil(t, book)
		assert.Equal(t, store.StatusOwned, book.Status)
		assert.Equal(t, store.ProvenanceCatalog, book.Provenance)
	}

	status := orchestrator.GetStatus()
	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 2, status.Succeeded)
}

func TestQuickSyncSkipsFreshItems(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, repo := newTestOrchestrator(t, client)

	now := time.Now()
	freshASIN := "B0FRESH000"
	require.NoError(t, repo.Create(&store.Book{
		ASIN: &freshASIN, Title: "Fresh", NormalizedTitle: "fresh",
		LastSyncedAt: &now,
	}))

	listing := []catalog.Item{
		{"asin": "B0FRESH000", "title": "Fresh"},
		{"asin": "B0NEWNEW00", "title": "Brand New"},
	}
	client.On("GetLibraryItems", mock.Anything).Return(listing, nil)
	// No expectation for the fresh item: fetching it would fail the test
	client.On("GetProductDetail", mock.Anything, "B0NEWNEW00", mock.Anything).
		Return(catalog.Item{"asin": "B0NEWNEW00", "title": "Brand New"}, nil)

	result, err := orchestrator.StartSync(context.Background(), ModeQuick, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Succeeded)

	client.AssertNotCalled(t, "GetProductDetail", mock.Anything, "B0FRESH000", mock.Anything)
}

func TestQuickSyncAfterFullSelectsNothing(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, _ := newTestOrchestrator(t, client)

	listing := []catalog.Item{{"asin": "B0AAAAAAA1", "title": "First Book"}}
	client.On("GetLibraryItems", mock.Anything).Return(listing, nil)
	client.On("GetProductDetail", mock.Anything, "B0AAAAAAA1", mock.Anything).
		Return(catalog.Item{"asin": "B0AAAAAAA1", "title": "First Book"}, nil)

	full, err := orchestrator.StartSync(context.Background(), ModeFull, false)
	require.NoError(t, err)
	require.Equal(t, 1, full.Succeeded)

	quick, err := orchestrator.StartSync(context.Background(), ModeQuick, false)
	require.NoError(t, err)
	assert.Zero(t, quick.Total, "everything is fresh after the full sync")
}

func TestForceRefreshIgnoresStalenessWindow(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, repo := newTestOrchestrator(t, client)

	now := time.Now()
	freshASIN := "B0FRESH000"
	require.NoError(t, repo.Create(&store.Book{
		ASIN: &freshASIN, Title: "Fresh", NormalizedTitle: "fresh",
		LastSyncedAt: &now,
	}))

	listing := []catalog.Item{{"asin": "B0FRESH000", "title": "Fresh"}}
	client.On("GetLibraryItems", mock.Anything).Return(listing, nil)
	client.On("GetProductDetail", mock.Anything, "B0FRESH000", mock.Anything).
		Return(catalog.Item{"asin": "B0FRESH000", "title": "Fresh"}, nil)

	result, err := orchestrator.StartSync(context.Background(), ModeQuick, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	client.AssertCalled(t, "GetProductDetail", mock.Anything, "B0FRESH000", mock.Anything)
}

func TestConcurrentSyncRejected(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, _ := newTestOrchestrator(t, client)

	started := make(chan struct{})
	release := make(chan struct{})
	client.On("GetLibraryItems", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]catalog.Item{}, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := orchestrator.StartSync(context.Background(), ModeFull, false)
		done <- err
	}()

	<-started

	_, err := orchestrator.StartSync(context.Background(), ModeQuick, false)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)

	// The rejection must not have disturbed the finished session
	status := orchestrator.GetStatus()
	assert.Equal(t, PhaseCompleted, status.Phase)
}

func TestQuickSyncFallsBackToStaleLocalItems(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, repo := newTestOrchestrator(t, client)

	staleASIN := "B0STALE000"
	syncedAt := time.Now().Add(-24 * time.Hour)
	require.NoError(t, repo.Create(&store.Book{
		ASIN: &staleASIN, Title: "Stale", NormalizedTitle: "stale",
		LastSyncedAt: &syncedAt,
	}))

	client.On("GetLibraryItems", mock.Anything).Return(nil, assert.AnError)
	client.On("GetProductDetail", mock.Anything, "B0STALE000", mock.Anything).
		Return(catalog.Item{"asin": "B0STALE000", "title": "Stale"}, nil)

	result, err := orchestrator.StartSync(context.Background(), ModeQuick, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.Succeeded)

	book, err := repo.FindByASIN("B0STALE000")
	require.NoError(t, err)
	assert.True(t, book.LastSyncedAt.After(syncedAt))
}

func TestFullSyncFailsWhenListingUnavailable(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, _ := newTestOrchestrator(t, client)

	client.On("GetLibraryItems", mock.Anything).Return(nil, assert.AnError)

	_, err := orchestrator.StartSync(context.Background(), ModeFull, false)
	require.Error(t, err)

	status := orchestrator.GetStatus()
	assert.Equal(t, PhaseFailed, status.Phase)
}

func TestPerItemFailureDoesNotAbortSession(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, repo := newTestOrchestrator(t, client)

	listing := []catalog.Item{
		{"asin": "B0GOOD0000", "title": "Good"},
		{"asin": "B0NOTITLE0"}, // normalizes without a title, must be skipped
	}
	client.On("GetLibraryItems", mock.Anything).Return(listing, nil)
	client.On("GetProductDetail", mock.Anything, "B0GOOD0000", mock.Anything).
		Return(catalog.Item{"asin": "B0GOOD0000", "title": "Good"}, nil)
	client.On("GetProductDetail", mock.Anything, "B0NOTITLE0", mock.Anything).
		Return(catalog.Item{"asin": "B0NOTITLE0"}, nil)

	result, err := orchestrator.StartSync(context.Background(), ModeFull, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.FailedItems, 1)
	assert.Equal(t, "B0NOTITLE0", result.FailedItems[0].ASIN)

	book, err := repo.FindByASIN("B0GOOD0000")
	require.NoError(t, err)
	assert.NotNil(t, book)
}

func TestDetailFailureDegradesToListingPayload(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, repo := newTestOrchestrator(t, client)

	listing := []catalog.Item{{"asin": "B0FLAKY000", "title": "Flaky But Listed"}}
	client.On("GetLibraryItems", mock.Anything).Return(listing, nil)
	client.On("GetProductDetail", mock.Anything, "B0FLAKY000", mock.Anything).
		Return(nil, assert.AnError)

	result, err := orchestrator.StartSync(context.Background(), ModeFull, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Failed)

	book, err := repo.FindByASIN("B0FLAKY000")
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, "Flaky But Listed", book.Title)
}

func TestListingDuplicatesProcessedOnce(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, _ := newTestOrchestrator(t, client)

	listing := []catalog.Item{
		{"asin": "B0TWICE000", "title": "Twice Listed"},
		{"asin": "B0TWICE000", "title": "Twice Listed"},
	}
	client.On("GetLibraryItems", mock.Anything).Return(listing, nil)
	client.On("GetProductDetail", mock.Anything, "B0TWICE000", mock.Anything).
		Return(catalog.Item{"asin": "B0TWICE000", "title": "Twice Listed"}, nil)

	result, err := orchestrator.StartSync(context.Background(), ModeFull, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
}

func TestSyncTriggersSeriesRebuild(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, repo := newTestOrchestrator(t, client)

	itemDetail := catalog.Item{
		"asin":  "B0MEMBER01",
		"title": "Book One",
		"relationships": []interface{}{
			map[string]interface{}{
				"asin":                    "B0SERIES00",
				"relationship_to_product": "parent",
				"relationship_type":       "series",
			},
		},
	}
	seriesDetail := catalog.Item{
		"asin":  "B0SERIES00",
		"title": "The Saga",
		"relationships": []interface{}{
			map[string]interface{}{
				"asin":                    "B0MEMBER01",
				"relationship_to_product": "child",
				"relationship_type":       "series",
				"sequence":                "1",
			},
		},
	}

	client.On("GetLibraryItems", mock.Anything).
		Return([]catalog.Item{{"asin": "B0MEMBER01", "title": "Book One"}}, nil)
	client.On("GetProductDetail", mock.Anything, "B0MEMBER01", mock.Anything).
		Return(itemDetail, nil)
	client.On("GetProductDetail", mock.Anything, "B0SERIES00", mock.Anything).
		Return(seriesDetail, nil)

	result, err := orchestrator.StartSync(context.Background(), ModeFull, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	orchestrator.WaitForSeriesBuilds()

	got, members, err := repo.GetSeries("B0SERIES00")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "The Saga", got.Title)
	require.Len(t, members, 1)
	assert.Equal(t, "B0MEMBER01", members[0].ASIN)
	assert.True(t, members[0].InLibrary)
}

func TestCancelledContextStopsBetweenBatches(t *testing.T) {
	client := &mockCatalogClient{}
	orchestrator, _ := newTestOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	client.On("GetLibraryItems", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return([]catalog.Item{{"asin": "B0AAAAAAA1", "title": "Never Reached"}}, nil)

	_, err := orchestrator.StartSync(ctx, ModeFull, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
