package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricewatch/internal/monitor"
	"pricewatch/internal/storage"
	logx "pricewatch/pkg/logx"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeChecker struct {
	store *storage.Memory
	err   error
}

func (f *fakeChecker) CheckNow(ctx context.Context, id int64) (monitor.CheckNowResult, error) {
	if f.err != nil {
		return monitor.CheckNowResult{}, f.err
	}
	it, err := f.store.Item(ctx, id)
	if err != nil {
		return monitor.CheckNowResult{}, err
	}
	return monitor.CheckNowResult{CurrentPrice: it.CurrentPrice}, nil
}

func (f *fakeChecker) Untrack(ctx context.Context, id int64) error {
	if f.err != nil {
		return f.err
	}
	it, err := f.store.Item(ctx, id)
	if err != nil {
		return err
	}
	if !it.Active {
		return monitor.ErrInactive
	}
	return f.store.DeactivateItem(ctx, id)
}

func newTestServer(t *testing.T, cfg Config) (*storage.Memory, *fakeChecker, http.Handler) {
	t.Helper()
	store := storage.NewMemory()
	chk := &fakeChecker{store: store}
	h := NewHandler(chk, store, func() any { return map[string]int{"items": 1} }, logx.Nop())
	return store, chk, New(cfg, h, logx.Nop()).Handler()
}

func do(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, _, h := newTestServer(t, Config{Token: "secret"})
	rec := do(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"items": float64(1)}, body["components"])
}

func TestCheckNowEndpoint(t *testing.T) {
	store, chk, h := newTestServer(t, Config{})
	ctx := context.Background()
	it, err := store.CreateItem(ctx, storage.NewItem{URL: "https://a"})
	require.NoError(t, err)
	_, err = store.AppendObservation(ctx, it.ID, 19.99, time.Now())
	require.NoError(t, err)

	rec := do(h, http.MethodPost, "/api/v1/items/1/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"item_id":1,"current_price":19.99}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/v1/items/42/check", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/v1/items/abc/check", "").Code)

	chk.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodPost, "/api/v1/items/1/check", "").Code)
}

func TestHistoryEndpoint(t *testing.T) {
	store, _, h := newTestServer(t, Config{})
	ctx := context.Background()
	it, err := store.CreateItem(ctx, storage.NewItem{URL: "https://a", Name: "Lamp"})
	require.NoError(t, err)
	now := time.Now()
	for i, p := range []float64{30, 25, 20} {
		_, err := store.AppendObservation(ctx, it.ID, p, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	rec := do(h, http.MethodGet, "/api/v1/items/1/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Lamp", resp.Name)
	require.Len(t, resp.Observations, 2)
	assert.Equal(t, 20.0, resp.Observations[0].Price)
	assert.Equal(t, 20.0, *resp.CurrentPrice)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/v1/items/1/history?limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/v1/items/9/history", "").Code)
}

func TestUntrackEndpoint(t *testing.T) {
	store, _, h := newTestServer(t, Config{})
	ctx := context.Background()
	it, err := store.CreateItem(ctx, storage.NewItem{URL: "https://a", Name: "Lamp"})
	require.NoError(t, err)

	rec := do(h, http.MethodDelete, "/api/v1/items/1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	got, err := store.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.Equal(t, http.StatusConflict, do(h, http.MethodDelete, "/api/v1/items/1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, "/api/v1/items/9", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/items/1/history", "").Code)
}

func TestBearerAuth(t *testing.T) {
	store, _, h := newTestServer(t, Config{Token: "secret"})
	_, err := store.CreateItem(context.Background(), storage.NewItem{URL: "https://a"})
	require.NoError(t, err)

	rec := do(h, http.MethodGet, "/api/v1/items/1/history", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/v1/items/1/history", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/v1/items/1/history", "secre").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodDelete, "/api/v1/items/1", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/items/1/history", "secret").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/items/1/history?token=secret", "").Code)
}

func TestPprofOptional(t *testing.T) {
	_, _, off := newTestServer(t, Config{})
	assert.Equal(t, http.StatusNotFound, do(off, http.MethodGet, "/debug/pprof/", "").Code)

	_, _, on := newTestServer(t, Config{Pprof: true})
	assert.Equal(t, http.StatusOK, do(on, http.MethodGet, "/debug/pprof/", "").Code)
	assert.Equal(t, http.StatusOK, do(on, http.MethodGet, "/debug/pprof/cmdline", "").Code)
}

func TestServeRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, NewHandler(nil, nil, nil, logx.Nop()), logx.Nop())
	assert.Error(t, s.Serve(context.Background()))
}

func TestServeStopsOnCancel(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, NewHandler(nil, nil, nil, logx.Nop()), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
}
