package snapshot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	logx "waitnotify/pkg/logx"
)

const arrayBody = `[{"id":"1","name":"Ana","phone":"5511","sector_id":"s1","wait_start_time":"2026-10-19T12:25:00Z"}]`

func TestDecodeList(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 0},
		{"array", arrayBody, 1},
		{"object", `{"entities":` + arrayBody + `}`, 1},
		{"empty array", "[]", 0},
	}
	for _, tt := range tests {
		got, err := decodeList([]byte(tt.body))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Fatalf("%s: len = %d, want %d", tt.name, len(got), tt.want)
		}
	}
	if _, err := decodeList([]byte("{broken")); err == nil {
		t.Fatalf("broken payload accepted")
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	s := NewFile(path)

	got, err := s.ListWaitingEntities(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("missing file = %v, %v", got, err)
	}
	if err := os.WriteFile(path, []byte(arrayBody), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListWaitingEntities(context.Background())
	if err != nil || len(got) != 1 || got[0].Name != "Ana" || got[0].WaitStartTime.IsZero() {
		t.Fatalf("file = %+v, %v", got, err)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(arrayBody))
	}))
	defer srv.Close()

	s, err := NewHTTP(HTTPConfig{URL: srv.URL, Token: "tok"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.ListWaitingEntities(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("http = %+v, %v", got, err)
	}

	bad, _ := NewHTTP(HTTPConfig{URL: srv.URL}, logx.Nop())
	if _, err := bad.ListWaitingEntities(context.Background()); err == nil {
		t.Fatalf("unauthorized fetch succeeded")
	}
}

func TestOpen(t *testing.T) {
	if _, err := Open(Config{Driver: "http"}, logx.Nop()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("http without url = %v", err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("file without path = %v", err)
	}
	if _, err := Open(Config{Driver: "ftp"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}
