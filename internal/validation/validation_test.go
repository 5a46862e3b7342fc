package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestValidateCollectsErrors(t *testing.T) {
	errs := Validate(
		Required("orderId", ""),
		Required("sellerId", "s1"),
		ValidAmount("amount", "abc"),
	)
	if len(errs) != 2 {
		t.Fatalf("errors = %d, want 2", len(errs))
	}
	if errs[0].Field != "orderId" {
		t.Errorf("first field = %q, want orderId", errs[0].Field)
	}
	if errs[1].Field != "amount" {
		t.Errorf("second field = %q, want amount", errs[1].Field)
	}
}

func TestValidateAllPass(t *testing.T) {
	errs := Validate(
		Required("orderId", "ord_1"),
		MaxLength("orderId", "ord_1", 64),
		ValidAmount("amount", "100.00"),
	)
	if len(errs) != 0 {
		t.Fatalf("errors = %v, want none", errs)
	}
}

func TestRequired(t *testing.T) {
	if err := Required("f", "  ")(); err == nil {
		t.Error("whitespace-only value should fail Required")
	}
	if err := Required("f", "x")(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("f", strings.Repeat("a", 11), 10)(); err == nil {
		t.Error("over-length value should fail MaxLength")
	}
	if err := MaxLength("f", "short", 10)(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidAmount(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"100.00", true},
		{"0.01", true},
		{"", true}, // empty passes; Required handles mandatory fields
		{"0", false},
		{"-5.00", false},
		{"1.234", false},
		{"abc", false},
	}
	for _, tc := range cases {
		err := ValidAmount("amount", tc.value)()
		if tc.ok && err != nil {
			t.Errorf("ValidAmount(%q) = %v, want nil", tc.value, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidAmount(%q) = nil, want error", tc.value)
		}
	}
}

func TestValidationErrorsError(t *testing.T) {
	errs := ValidationErrors{{Field: "amount", Message: "is required"}}
	if got := errs.Error(); got != "amount: is required" {
		t.Errorf("Error() = %q", got)
	}
	if got := (ValidationErrors{}).Error(); got != "validation failed" {
		t.Errorf("empty Error() = %q", got)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  ", 100); got != "hithere" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString truncation = %q", got)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large"})
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("small body status = %d, want 200", w.Code)
	}
}
