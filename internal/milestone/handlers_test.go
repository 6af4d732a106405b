package milestone

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
)

func setupRouter(t *testing.T, settler Settler) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	handler := NewHandler(NewService(store, settler, slog.Default()))

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r, store
}

func postJSON(r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestOpenDisputeEndpoint(t *testing.T) {
	r, store := setupRouter(t, &fakeSettler{})
	_, err := store.Ensure(context.Background(), "mls_1")
	require.NoError(t, err)

	w := postJSON(r, "/v1/milestones/mls_1/disputes", OpenDisputeRequest{
		RaisedBy: "usr_client",
		Reason:   "work not delivered",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, DisputeOpen, resp.Dispute.Status)
	assert.Equal(t, "mls_1", resp.Dispute.MilestoneID)

	// Second open dispute conflicts
	w = postJSON(r, "/v1/milestones/mls_1/disputes", OpenDisputeRequest{
		RaisedBy: "usr_freelancer",
		Reason:   "counter claim",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOpenDisputeEndpoint_Validation(t *testing.T) {
	r, store := setupRouter(t, &fakeSettler{})
	_, err := store.Ensure(context.Background(), "mls_1")
	require.NoError(t, err)

	w := postJSON(r, "/v1/milestones/mls_1/disputes", OpenDisputeRequest{RaisedBy: "usr_client"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestOpenDisputeEndpoint_NotFound(t *testing.T) {
	r, _ := setupRouter(t, &fakeSettler{})

	w := postJSON(r, "/v1/milestones/mls_missing/disputes", OpenDisputeRequest{
		RaisedBy: "usr_client",
		Reason:   "x",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveDisputeEndpoint(t *testing.T) {
	active := escrow.New("mls_1", 1000)
	active.Status = escrow.StatusFunded
	settler := &fakeSettler{escrows: []*escrow.Escrow{active}}

	r, store := setupRouter(t, settler)
	ctx := context.Background()
	_, err := store.Ensure(ctx, "mls_1")
	require.NoError(t, err)

	d := NewDispute("mls_1", "usr_client", "not delivered")
	require.NoError(t, store.CreateDispute(ctx, d))

	w := postJSON(r, "/v1/disputes/"+d.ID+"/resolve", ResolveDisputeRequest{
		Resolution: ResolutionReleaseFreelancer,
		ResolvedBy: "usr_admin",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "po_test")
	assert.True(t, settler.released)

	// Invalid resolution value
	w = postJSON(r, "/v1/disputes/"+d.ID+"/resolve", ResolveDisputeRequest{
		Resolution: "split_even",
		ResolvedBy: "usr_admin",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMilestoneWorkflowEndpoints(t *testing.T) {
	r, store := setupRouter(t, &fakeSettler{})
	ctx := context.Background()
	_, err := store.Ensure(ctx, "mls_1")
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, "mls_1", StatusInProgress)
	require.NoError(t, err)

	w := postJSON(r, "/v1/milestones/mls_1/submit", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(r, "/v1/milestones/mls_1/approve", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Approve twice conflicts
	w = postJSON(r, "/v1/milestones/mls_1/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	wGet := httptest.NewRecorder()
	r.ServeHTTP(wGet, httptest.NewRequest(http.MethodGet, "/v1/milestones/mls_1", nil))
	require.Equal(t, http.StatusOK, wGet.Code)
	assert.Contains(t, wGet.Body.String(), string(StatusApproved))
}
