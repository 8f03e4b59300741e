package adapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	texts []string
	reply string
}

func (b *botAPI) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	text := ""
	if v, err := url.ParseQuery(string(body)); err == nil && v.Get("text") != "" {
		text = v.Get("text")
	} else {
		text = string(body)
	}
	b.mu.Lock()
	b.texts = append(b.texts, text)
	reply := b.reply
	b.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func newTestAdapter(t *testing.T, reply string) (*Adapter, *botAPI) {
	t.Helper()
	api := &botAPI{reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:test", APIURL: srv.URL, RequestTimeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a, api
}

func TestSendTextSuccess(t *testing.T) {
	t.Parallel()
	a, api := newTestAdapter(t, `{"ok":true,"result":{"message_id":7,"chat":{"id":42,"type":"private"},"date":0}}`)

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42}, "hi", &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if ref.MessageID != 7 || ref.ChatID != 42 {
		t.Fatalf("ref = %+v, want message 7 in chat 42", ref)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) != 1 {
		t.Fatalf("api calls = %d, want 1", len(api.texts))
	}
}

func TestSendTextBlockedIsPermanent(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)

	_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42}, "hi", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, kit.ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
	if got := kit.FailureClass(err); got != "permanent" {
		t.Fatalf("FailureClass = %q, want permanent", got)
	}
}

func TestSendTextServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(t, `{"ok":false,"error_code":500,"description":"Internal Server Error"}`)

	_, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42}, "hi", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, kit.ErrPermanent) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
