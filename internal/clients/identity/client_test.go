package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/harborpanel/bursar/pkg/logging"
)

func signPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"type":"user.deleted","user_id":"u-1"}`)
	secret := "whsec_test"

	header := signPayload(payload, secret, time.Now())
	if err := VerifyWebhookSignature(payload, header, secret); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := VerifyWebhookSignature(payload, header, "wrong-secret"); err == nil {
		t.Fatal("wrong secret accepted")
	}

	tampered := append([]byte{}, payload...)
	tampered[10] = 'X'
	if err := VerifyWebhookSignature(tampered, header, secret); err == nil {
		t.Fatal("tampered payload accepted")
	}

	stale := signPayload(payload, secret, time.Now().Add(-time.Hour))
	if err := VerifyWebhookSignature(payload, stale, secret); err == nil {
		t.Fatal("stale timestamp accepted")
	}

	if err := VerifyWebhookSignature(payload, "v1=deadbeef", secret); err == nil {
		t.Fatal("header without timestamp accepted")
	}
}

func TestUserExists(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		wantExists bool
		wantErr    bool
	}{
		{"found", http.StatusOK, true, false},
		{"gone", http.StatusNotFound, false, false},
		{"outage is not gone", http.StatusServiceUnavailable, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/users/u-1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := NewClient(Config{BaseURL: srv.URL, Logger: logging.NewLogger()})
			exists, err := client.UserExists(t.Context(), "u-1")
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if exists != tc.wantExists {
				t.Fatalf("expected exists=%v, got %v", tc.wantExists, exists)
			}
		})
	}
}
