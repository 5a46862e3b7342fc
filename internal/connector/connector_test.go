package connector

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Config{ID: "c1", Kind: "teleporter"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

func TestServiceValidatesAtLoad(t *testing.T) {
	_, err := NewService([]Config{
		{ID: "good", Kind: "shadowship"},
		{ID: "bad", Kind: "teleporter"},
	})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind at configuration load", err)
	}

	s, err := NewService([]Config{{ID: "good", Kind: "shadowship", WebhookSecret: "sec"}})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if _, err := s.Get("good"); err != nil {
		t.Errorf("get: %v", err)
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrConnectorNotFound) {
		t.Errorf("missing: err = %v, want ErrConnectorNotFound", err)
	}
	secret, err := s.WebhookSecret("good")
	if err != nil || secret != "sec" {
		t.Errorf("secret = %q, %v", secret, err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"provider_ref":"REF1","status":"delivered"}`)
	sig := Sign("topsecret", body)

	if !Verify("topsecret", body, sig) {
		t.Error("valid signature rejected")
	}
	if Verify("topsecret", []byte("tampered"), sig) {
		t.Error("tampered body accepted")
	}
	if Verify("wrongsecret", body, sig) {
		t.Error("wrong secret accepted")
	}
	if Verify("topsecret", body, "") {
		t.Error("empty signature accepted")
	}
}

func TestShadowShipShipmentRefIsStable(t *testing.T) {
	c, err := New(Config{ID: "demo", Kind: "shadowship"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	ref1, err := c.CreateShipment(ctx, ShipmentRequest{DispatchID: "dsp42"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ref2, _ := c.CreateShipment(ctx, ShipmentRequest{DispatchID: "dsp42"})
	if ref1 != ref2 {
		t.Errorf("refs differ across retries: %s vs %s", ref1, ref2)
	}
	if ref1 != "SHADOW-dsp42" {
		t.Errorf("ref = %s", ref1)
	}
}

func TestShadowShipQuoteAndTrack(t *testing.T) {
	ship := &ShadowShip{now: func() time.Time {
		return time.Date(2026, 8, 1, 0, 0, 59, 0, time.UTC)
	}}

	q, err := ship.Quote(context.Background(), QuoteRequest{WeightKg: 2})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Amount != "120.00" {
		t.Errorf("amount = %s, want 120.00", q.Amount)
	}
	if q.ETA == "" {
		t.Error("eta missing")
	}

	tr, err := ship.Track(context.Background(), "SHADOW-x")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if tr.Status != "delivered" {
		t.Errorf("status at :59 = %s, want delivered", tr.Status)
	}
}
