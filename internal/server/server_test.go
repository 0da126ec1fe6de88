package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	syncsvc "booksync/internal/sync"
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

func newTestServer(t *testing.T, client catalog.ClientInterface) (*httptest.Server, *syncsvc.Orchestrator) {
	t.Helper()
	db, err := store.NewDatabaseInMemory(logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.Sync.StalenessWindow = 6 * time.Hour
	cfg.Sync.BatchSize = 20
	cfg.Sync.Workers = 2
	cfg.Sync.OfflineLimit = 10

	repo := store.NewRepository(db, logger.Get())
	engine := merge.NewEngine(repo, logger.Get())
	builder := series.NewBuilder(client, repo, logger.Get())
	orchestrator := syncsvc.New(client, repo, engine, builder, cfg)

	srv := New(":0", orchestrator, logger.Get())
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return ts, orchestrator
}

func TestHealthCheck(t *testing.T) {
	ts, _ := newTestServer(t, &mockCatalogClient{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestHealthCheckRejectsPost(t *testing.T) {
	ts, _ := newTestServer(t, &mockCatalogClient{})

	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusIdle(t *testing.T) {
	ts, _ := newTestServer(t, &mockCatalogClient{})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status syncsvc.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, syncsvc.PhaseIdle, status.Phase)
}

func TestSyncTriggerAccepted(t *testing.T) {
	client := &mockCatalogClient{}
	client.On("GetLibraryItems", mock.Anything).Return([]catalog.Item{}, nil)

	ts, orchestrator := newTestServer(t, client)

	resp, err := http.Post(ts.URL+"/sync?mode=full", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "full", body["mode"])

	// The session runs in the background; wait for it to finish
	require.Eventually(t, func() bool {
		return orchestrator.GetStatus().Phase == syncsvc.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncTriggerRejectsGet(t *testing.T) {
	ts, _ := newTestServer(t, &mockCatalogClient{})

	resp, err := http.Get(ts.URL + "/sync")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSyncTriggerConflictsWhileActive(t *testing.T) {
	client := &mockCatalogClient{}
	started := make(chan struct{})
	release := make(chan struct{})
	client.On("GetLibraryItems", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]catalog.Item{}, nil).Once()

	ts, orchestrator := newTestServer(t, client)

	resp, err := http.Post(ts.URL+"/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	<-started

	resp, err = http.Post(ts.URL+"/sync", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	require.Eventually(t, func() bool {
		return orchestrator.GetStatus().Phase == syncsvc.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
