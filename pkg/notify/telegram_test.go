package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfig_Enabled(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		enabled bool
	}{
		{"both set", Config{Token: "t", ChatID: "c"}, true},
		{"missing token", Config{ChatID: "c"}, false},
		{"missing chat id", Config{Token: "t"}, false},
		{"neither", Config{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", got, tt.enabled)
			}
		})
	}
}

func TestSendMessage(t *testing.T) {
	var gotPath, gotChatID, gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotChatID = r.FormValue("chat_id")
		gotText = r.FormValue("text")
	}))
	defer server.Close()

	tg := NewTelegram(Config{Token: "secret", ChatID: "42", BaseURL: server.URL})
	if err := tg.SendMessage(context.Background(), "run finished"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if gotPath != "/botsecret/sendMessage" {
		t.Errorf("path = %q, want /botsecret/sendMessage", gotPath)
	}
	if gotChatID != "42" || gotText != "run finished" {
		t.Errorf("form = chat_id %q text %q", gotChatID, gotText)
	}
}

func TestSendFile(t *testing.T) {
	resultPath := filepath.Join(t.TempDir(), "results.csv")
	if err := os.WriteFile(resultPath, []byte("target,status\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botsecret/sendDocument" {
			t.Errorf("path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	tg := NewTelegram(Config{Token: "secret", ChatID: "42", BaseURL: server.URL})
	if err := tg.SendFile(context.Background(), resultPath, "batch done"); err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}

	for _, want := range []string{"results.csv", "batch done", "target,status"} {
		if !strings.Contains(gotBody, want) {
			t.Errorf("upload body missing %q", want)
		}
	}
}

func TestSend_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	tg := NewTelegram(Config{Token: "secret", ChatID: "42", BaseURL: server.URL})
	if err := tg.SendMessage(context.Background(), "x"); err == nil {
		t.Error("SendMessage() succeeded on 403, want error")
	}
}

func TestSendFile_MissingFile(t *testing.T) {
	tg := NewTelegram(Config{Token: "secret", ChatID: "42", BaseURL: "http://127.0.0.1:0"})
	if err := tg.SendFile(context.Background(), "/nonexistent/results.csv", ""); err == nil {
		t.Error("SendFile() on missing file succeeded, want error")
	}
}
