package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, expected := range headers {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}

	if csp := w.Header().Get("Content-Security-Policy"); csp == "" {
		t.Error("Content-Security-Policy header not set")
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.POST("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://storefront.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://storefront.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("Allow-Credentials must not be set with wildcard origins")
	}
}

func TestValidateEndpointURL(t *testing.T) {
	valid := []string{
		"https://api.shadowship.example/v2",
		"http://93.184.216.34/hooks",
	}
	for _, u := range valid {
		if err := ValidateEndpointURL(u); err != nil {
			// Hostname cases need DNS; skip rather than fail offline.
			if u[:5] == "https" {
				t.Skipf("ValidateEndpointURL(%q): %v (no DNS?)", u, err)
			}
			t.Errorf("ValidateEndpointURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"ftp://example.com",
		"https://localhost:8080",
		"https://127.0.0.1/x",
		"https://10.0.0.5/x",
		"https://169.254.169.254/latest/meta-data",
		"https://",
	}
	for _, u := range invalid {
		if err := ValidateEndpointURL(u); err == nil {
			t.Errorf("ValidateEndpointURL(%q) = nil, want error", u)
		}
	}
}
