package tiojclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func TestNotifier(t *testing.T) {
	push := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cable" || r.URL.Query().Get("key") != "secret" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for range push {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_submission"}`)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	defer close(push)

	n, err := NewNotifier(srv.URL, "secret", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- n.Run(ctx)
	}()

	wait := func() {
		t.Helper()
		select {
		case <-n.C():
		case <-time.After(5 * time.Second):
			t.Fatal("no notification")
		}
	}
	// initial wake up on connect
	wait()
	push <- struct{}{}
	wait()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notifier did not stop")
	}
}

func TestNotifierURL(t *testing.T) {
	n, err := NewNotifier("https://tioj.example/", "k", nil)
	if err != nil {
		t.Fatal(err)
	}
	if n.url != "wss://tioj.example/cable?key=k" {
		t.Fatalf("url = %s", n.url)
	}
	if _, err := NewNotifier("ftp://x", "k", nil); err == nil {
		t.Fatal("expected error")
	}
}
