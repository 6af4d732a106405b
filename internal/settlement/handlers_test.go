package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/ledger"
	"github.com/lancepay/escrowd/internal/milestone"
	"github.com/lancepay/escrowd/internal/provider"
)

func setupHandler(t *testing.T) (*gin.Engine, *Service, *escrow.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := escrow.NewMemoryStore()
	svc := NewService(store, provider.NewMockClient(), slog.Default())
	handler := NewHandler(svc, ledger.NewMemoryStore(), milestone.NewMemoryStore())

	r := gin.New()
	handler.RegisterRoutes(r.Group("/v1"))
	return r, svc, store
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestCreateEscrowEndpoint(t *testing.T) {
	r, _, _ := setupHandler(t)

	w := doJSON(r, http.MethodPost, "/v1/escrows", CreateEscrowRequest{MilestoneID: "mls_1", Amount: 1000})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Escrow escrow.Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, escrow.StatusCreated, resp.Escrow.Status)
	assert.Equal(t, int64(1000), resp.Escrow.AmountCents)

	// Second active escrow on the same milestone conflicts
	w = doJSON(r, http.MethodPost, "/v1/escrows", CreateEscrowRequest{MilestoneID: "mls_1", Amount: 500})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "milestone_busy")
}

func TestCreateEscrowEndpoint_Validation(t *testing.T) {
	r, _, _ := setupHandler(t)

	w := doJSON(r, http.MethodPost, "/v1/escrows", CreateEscrowRequest{MilestoneID: "mls_1", Amount: -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/escrows", CreateEscrowRequest{Amount: 1000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFundReleaseEndpoints(t *testing.T) {
	r, _, store := setupHandler(t)
	ctx := context.Background()

	w := doJSON(r, http.MethodPost, "/v1/escrows", CreateEscrowRequest{MilestoneID: "mls_1", Amount: 1000})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Escrow escrow.Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Escrow.ID

	w = doJSON(r, http.MethodPost, "/v1/escrows/"+id+"/fund", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "intentRef")

	// Release before funding confirmation conflicts
	w = doJSON(r, http.MethodPost, "/v1/escrows/"+id+"/release", ReleaseRequest{ActorID: "usr_client"})
	assert.Equal(t, http.StatusConflict, w.Code)

	fundEscrow(t, store, id)

	w = doJSON(r, http.MethodPost, "/v1/escrows/"+id+"/release", ReleaseRequest{ActorID: "usr_client"})
	require.Equal(t, http.StatusAccepted, w.Code)

	// The refund now loses the claim
	w = doJSON(r, http.MethodPost, "/v1/escrows/"+id+"/refund", RefundRequest{Reason: "x", ActorID: "usr_client"})
	assert.Equal(t, http.StatusConflict, w.Code)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.PendingRelease, got.PendingAction)
}

func TestGetEscrowEndpoint(t *testing.T) {
	r, svc, _ := setupHandler(t)

	e, err := svc.CreateEscrow(context.Background(), "mls_1", 1000)
	require.NoError(t, err)

	w := doJSON(r, http.MethodGet, "/v1/escrows/"+e.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), e.ID)

	w = doJSON(r, http.MethodGet, "/v1/escrows/esc_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListByMilestoneEndpoint(t *testing.T) {
	r, svc, _ := setupHandler(t)

	_, err := svc.CreateEscrow(context.Background(), "mls_1", 1000)
	require.NoError(t, err)

	w := doJSON(r, http.MethodGet, "/v1/milestones/mls_1/escrows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestGetLedgerEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := escrow.NewMemoryStore()
	entries := ledger.NewMemoryStore()
	svc := NewService(store, provider.NewMockClient(), slog.Default())
	handler := NewHandler(svc, entries, milestone.NewMemoryStore())
	r := gin.New()
	handler.RegisterRoutes(r.Group("/v1"))

	ctx := context.Background()
	e, err := svc.CreateEscrow(ctx, "mls_1", 1000)
	require.NoError(t, err)
	require.NoError(t, entries.Append(ctx,
		ledger.NewEntry(e.ID, "mls_1", ledger.EntryPayin, 1000, 0, 0, "txn_1", "")))

	w := doJSON(r, http.MethodGet, "/v1/escrows/"+e.ID+"/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "txn_1")

	w = doJSON(r, http.MethodGet, "/v1/escrows/esc_missing/ledger", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
