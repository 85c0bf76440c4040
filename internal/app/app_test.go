package app

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/turnrelay/internal/config"
)

func TestRunServesAndShutsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.Default().Signal
	cfg.Addr = "127.0.0.1:0"
	a, err := New(&cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("server never became ready")
	}

	base := "http://" + a.Addr().String()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics missing go collector")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(cfg.ShutdownTimeout + time.Second):
		t.Fatalf("shutdown timed out")
	}
}

func TestRunReportsBindFailure(t *testing.T) {
	cfg := config.Default().Signal
	cfg.Addr = "256.0.0.1:1"
	a, err := New(&cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Fatalf("expected listen error")
	}
}
