package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowBurstThenBlock(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d blocked inside burst", i+1)
		}
	}
	if l.Allow("k") {
		t.Error("request past burst allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("a") {
		t.Fatal("first request for a blocked")
	}
	if !l.Allow("b") {
		t.Error("first request for b blocked by a's bucket")
	}
}

func TestTokensRefill(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(50 * time.Millisecond) // 100 tokens/sec refills within this
	if !l.Allow("k") {
		t.Error("bucket did not refill")
	}
}

func TestMiddlewareKeysByTenantHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/x", func(c *gin.Context) { c.String(200, "ok") })

	do := func(tenant string) int {
		req := httptest.NewRequest("GET", "/x", nil)
		if tenant != "" {
			req.Header.Set("X-Tenant-ID", tenant)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if do("t1") != http.StatusOK {
		t.Fatal("first t1 request blocked")
	}
	if do("t1") != http.StatusTooManyRequests {
		t.Error("second t1 request not limited")
	}
	// A different tenant from the same IP has its own bucket.
	if do("t2") != http.StatusOK {
		t.Error("t2 blocked by t1's bucket")
	}
}
