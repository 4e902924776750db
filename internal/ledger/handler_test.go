package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListLotsEndpoint(t *testing.T) {
	repo := NewMemoryRepository()
	seedAB(repo)
	svc, _ := newTestService(repo, Config{ShortfallPolicy: ShortfallAllow})
	r := chi.NewRouter()
	NewHandler(nil, svc).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/variants/1/lots", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body lotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(10), body.Available)
	require.Len(t, body.Lots, 2)
	assert.Equal(t, int64(1), body.Lots[0].ID)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/variants/abc/lots", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
