package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func builtinRegistry(client *http.Client) *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, client)
	return r
}

func TestEchoReturnsMessage(t *testing.T) {
	r := builtinRegistry(nil)
	out, err := r.Invoke(context.Background(), "echo", map[string]string{"message": "hello"})
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	if out != "hello" {
		t.Errorf("output = %q, want hello", out)
	}
}

func TestSleepRejectsBadDuration(t *testing.T) {
	r := builtinRegistry(nil)
	if _, err := r.Invoke(context.Background(), "sleep", map[string]string{"duration": "soon"}); err == nil {
		t.Fatal("sleep accepted a malformed duration")
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	r := builtinRegistry(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Invoke(ctx, "sleep", map[string]string{"duration": "10s"})
	if err == nil {
		t.Fatal("sleep ignored cancellation")
	}
	if time.Since(start) > time.Second {
		t.Errorf("sleep took %s after cancellation", time.Since(start))
	}
}

func TestHTTPGetFetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload\n"))
	}))
	defer srv.Close()

	r := builtinRegistry(srv.Client())
	out, err := r.Invoke(context.Background(), "http.get", map[string]string{"url": srv.URL})
	if err != nil {
		t.Fatalf("http.get failed: %v", err)
	}
	if out != "payload" {
		t.Errorf("output = %q, want payload", out)
	}
}

func TestHTTPGetSurfacesStatusText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := builtinRegistry(srv.Client())
	_, err := r.Invoke(context.Background(), "http.get", map[string]string{"url": srv.URL})
	if err == nil {
		t.Fatal("http.get accepted a 401 response")
	}
	if !strings.Contains(err.Error(), "401 Unauthorized") {
		t.Errorf("error = %v, want the status text in it", err)
	}
}

func TestHTTPCheckReturnsStatusOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ignored body"))
	}))
	defer srv.Close()

	r := builtinRegistry(srv.Client())
	out, err := r.Invoke(context.Background(), "http.check", map[string]string{"url": srv.URL})
	if err != nil {
		t.Fatalf("http.check failed: %v", err)
	}
	if out != "200" {
		t.Errorf("output = %q, want 200", out)
	}
}

func TestHTTPGetRequiresURL(t *testing.T) {
	r := builtinRegistry(nil)
	if _, err := r.Invoke(context.Background(), "http.get", nil); err == nil {
		t.Fatal("http.get accepted a missing url")
	}
}
