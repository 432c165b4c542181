package terminate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

func TestNewOutOfBand_RequiresURL(t *testing.T) {
	if _, err := NewOutOfBand(OutOfBandConfig{}, nil); err == nil {
		t.Error("expected error for missing URL")
	}
}

func TestOutOfBand_Kill(t *testing.T) {
	var got KillRequest
	var gotAuth, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	t.Setenv("TEST_APP_ID", "4711")

	oob, err := NewOutOfBand(OutOfBandConfig{
		URL:      srv.URL,
		AppIDVar: "TEST_APP_ID",
		Headers:  map[string]string{"Authorization": "Bearer token"},
	}, nil)
	if err != nil {
		t.Fatalf("NewOutOfBand failed: %v", err)
	}

	if err := oob.Kill(context.Background(), "gpu hung"); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	if got.AppID != "4711" {
		t.Errorf("app_id = %q, want 4711", got.AppID)
	}
	if got.Signal != int(unix.SIGKILL) {
		t.Errorf("signal = %d, want %d", got.Signal, unix.SIGKILL)
	}
	if got.Reason != "gpu hung" {
		t.Errorf("reason = %q", got.Reason)
	}
	if got.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", got.PID, os.Getpid())
	}
	if _, err := uuid.Parse(got.RequestID); err != nil {
		t.Errorf("request_id %q is not a uuid: %v", got.RequestID, err)
	}
	if got.Timestamp == "" {
		t.Error("timestamp is empty")
	}
	if gotAuth != "Bearer token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
}

func TestOutOfBand_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such application", http.StatusNotFound)
	}))
	defer srv.Close()

	t.Run("missing app id", func(t *testing.T) {
		t.Setenv("TEST_APP_ID", "")
		oob, err := NewOutOfBand(OutOfBandConfig{URL: srv.URL, AppIDVar: "TEST_APP_ID"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := oob.Kill(context.Background(), "x"); !errors.Is(err, ErrNoJobID) {
			t.Errorf("Kill error = %v, want ErrNoJobID", err)
		}
	})

	t.Run("non-2xx status", func(t *testing.T) {
		t.Setenv("TEST_APP_ID", "1")
		oob, err := NewOutOfBand(OutOfBandConfig{URL: srv.URL, AppIDVar: "TEST_APP_ID"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := oob.Kill(context.Background(), "x"); err == nil {
			t.Error("expected error for 404 response")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Setenv("TEST_APP_ID", "1")
		closed := httptest.NewServer(http.NotFoundHandler())
		url := closed.URL
		closed.Close()

		oob, err := NewOutOfBand(OutOfBandConfig{URL: url, AppIDVar: "TEST_APP_ID"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := oob.Kill(context.Background(), "x"); err == nil {
			t.Error("expected error for closed server")
		}
	})
}
