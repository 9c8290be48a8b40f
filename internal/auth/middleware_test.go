package auth

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(v *Verifier) *gin.Engine {
	router := gin.New()
	router.POST("/v1/disputes", Middleware(v), func(c *gin.Context) {
		// Echo the body back so tests can confirm the middleware re-buffered it.
		body, _ := io.ReadAll(c.Request.Body)
		c.Data(http.StatusOK, "application/json", body)
	})
	return router
}

func signedRequest(secret, nonce, body string, at time.Time) *http.Request {
	ts := fmt.Sprintf("%d", at.Unix())
	req := httptest.NewRequest(http.MethodPost, "/v1/disputes", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(secret, ts, nonce, []byte(body)))
	return req
}

func TestMiddlewareAcceptsSignedRequest(t *testing.T) {
	router := newTestRouter(NewVerifier("secret"))

	body := `{"platformDisputeId":"d-1"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest("secret", "n1", body, time.Now()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != body {
		t.Errorf("handler read body %q, want %q", got, body)
	}
}

func TestMiddlewareRejectsMissingHeaders(t *testing.T) {
	router := newTestRouter(NewVerifier("secret"))

	req := httptest.NewRequest(http.MethodPost, "/v1/disputes", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsBadSignature(t *testing.T) {
	router := newTestRouter(NewVerifier("secret"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest("wrong-secret", "n1", "{}", time.Now()))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsReplay(t *testing.T) {
	router := newTestRouter(NewVerifier("secret"))
	now := time.Now()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest("secret", "replay", "{}", now))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest("secret", "replay", "{}", now))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: status = %d, want 401", rec.Code)
	}
}
