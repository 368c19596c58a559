package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/signal"
)

func newTestRouter(store signal.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewServer(store).Register(r)
	return r
}

func TestDeliverSignalResolvesPendingWait(t *testing.T) {
	store := signal.NewInmemStore()
	require.NoError(t, store.CreatePending(context.Background(), signal.Pending{SessionID: "S1", SignalName: "approval"}))

	r := newTestRouter(store)
	req := httptest.NewRequest(http.MethodPost, "/signals/cascade-1/S1/approval", bytes.NewBufferString(`{"value":"approved"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	value, fired, err := store.Poll(context.Background(), "S1", "approval")
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, "approved", value)
}

func TestDeliverSignalWithoutPendingWaitReturnsConflict(t *testing.T) {
	store := signal.NewInmemStore()
	r := newTestRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/signals/cascade-1/S1/approval", bytes.NewBufferString(`{"value":"approved"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(signal.NewInmemStore())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
