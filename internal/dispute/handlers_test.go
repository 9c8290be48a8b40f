package dispute

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newHandlerRouter(svc *Service) *gin.Engine {
	router := gin.New()
	h := NewHandler(svc, nil)
	v1 := router.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, rec.Body.String())
	}
	return resp.Error
}

func TestCreateDisputeEndpoint(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &fakeLedger{})
	router := newHandlerRouter(svc)

	rec := doRequest(t, router, http.MethodPost, "/v1/disputes",
		`{"platformId": "acme", "platformDisputeId": "acme-h1", "reason": "undelivered"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Dispute *Dispute `json:"dispute"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Dispute.Status != StatusVoting {
		t.Errorf("status = %s, want VOTING", resp.Dispute.Status)
	}

	// Missing required fields.
	rec = doRequest(t, router, http.MethodPost, "/v1/disputes", `{"platformId": "acme"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing key: status = %d, want 400", rec.Code)
	}

	// Unknown platform.
	rec = doRequest(t, router, http.MethodPost, "/v1/disputes",
		`{"platformId": "ghost", "platformDisputeId": "g-1"}`)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "unknown_platform" {
		t.Errorf("unknown platform: status = %d, error = %s", rec.Code, errorCode(t, rec))
	}

	// Same key from another platform.
	rec = doRequest(t, router, http.MethodPost, "/v1/disputes",
		`{"platformId": "beta", "platformDisputeId": "acme-h1"}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "platform_mismatch" {
		t.Errorf("mismatch: status = %d, error = %s", rec.Code, errorCode(t, rec))
	}
}

func TestGetAndListDisputeEndpoints(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &fakeLedger{})
	router := newHandlerRouter(svc)

	rec := doRequest(t, router, http.MethodGet, "/v1/disputes/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing get: status = %d, want 404", rec.Code)
	}

	doRequest(t, router, http.MethodPost, "/v1/disputes",
		`{"platformId": "acme", "platformDisputeId": "acme-h2"}`)

	rec = doRequest(t, router, http.MethodGet, "/v1/disputes/acme-h2", "")
	if rec.Code != http.StatusOK {
		t.Errorf("get: status = %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/disputes?status=VOTING&platformId=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var listed struct {
		Disputes []*Dispute `json:"disputes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Disputes) != 1 {
		t.Errorf("len(disputes) = %d, want 1", len(listed.Disputes))
	}
}

func TestVoteEndpoint(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &fakeLedger{balance: big.NewInt(500)})
	router := newHandlerRouter(svc)

	doRequest(t, router, http.MethodPost, "/v1/disputes",
		`{"platformId": "acme", "platformDisputeId": "acme-h3"}`)

	rec := doRequest(t, router, http.MethodPost, "/v1/disputes/acme-h3/vote",
		`{"voter": "0x1111000000000000000000000000000000000001", "choice": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("vote: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/disputes/acme-h3/vote",
		`{"voter": "0x1111000000000000000000000000000000000001", "choice": 2}`)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "already_voted" {
		t.Errorf("double vote: status = %d, error = %s", rec.Code, errorCode(t, rec))
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/disputes/acme-h3/vote",
		`{"voter": "0x1111000000000000000000000000000000000002", "choice": 7}`)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_vote" {
		t.Errorf("bad choice: status = %d, error = %s", rec.Code, errorCode(t, rec))
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/disputes/missing/vote",
		`{"voter": "0x1111000000000000000000000000000000000003", "choice": 1}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing dispute: status = %d, want 404", rec.Code)
	}
}

func TestVoteEndpointInsufficientBalance(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &fakeLedger{balance: big.NewInt(1)})
	router := newHandlerRouter(svc)

	doRequest(t, router, http.MethodPost, "/v1/disputes",
		`{"platformId": "acme", "platformDisputeId": "acme-h4"}`)

	rec := doRequest(t, router, http.MethodPost, "/v1/disputes/acme-h4/vote",
		`{"voter": "0x1111000000000000000000000000000000000009", "choice": 1}`)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "insufficient_balance" {
		t.Errorf("status = %d, error = %s", rec.Code, errorCode(t, rec))
	}
}

func TestForceFinalizeEndpoint(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &fakeLedger{resultCode: 1, votesAgent: 2, votesUser: 1})
	router := newHandlerRouter(svc)

	doRequest(t, router, http.MethodPost, "/v1/disputes",
		`{"platformId": "acme", "platformDisputeId": "acme-h5"}`)

	rec := doRequest(t, router, http.MethodPost, "/v1/disputes/acme-h5/finalize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var outcome FinalizeOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome.Result == nil || *outcome.Result != ResultSupportAgent || outcome.VotesAgent != 2 {
		t.Errorf("outcome = %+v", outcome)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/disputes/missing/finalize", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing dispute: status = %d, want 404", rec.Code)
	}
}
