package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "streambot/pkg/logx"
)

func testGatherer(t *testing.T) prometheus.Gatherer {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "streambot_test_total", Help: "test"})
	c.Add(3)
	reg.MustRegister(c)
	return reg
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()
	healthy := true
	s := New(Config{}, logx.Nop(),
		WithGatherer(testGatherer(t)),
		WithHealth(func() (bool, any) { return healthy, map[string]int{"channels": 2} }),
	)
	srv := httptest.NewServer(s.handler(Config{Pprof: true}))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	_ = json.NewDecoder(res.Body).Decode(&body)
	res.Body.Close()
	if res.StatusCode != 200 || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", res.StatusCode, body)
	}

	healthy = false
	res, _ = http.Get(srv.URL + "/healthz")
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", res.StatusCode)
	}

	res, _ = http.Get(srv.URL + "/metrics")
	b, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(b), "streambot_test_total 3") {
		t.Fatalf("metrics body:\n%s", b)
	}

	res, _ = http.Get(srv.URL + "/debug/pprof/")
	res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("pprof index = %d", res.StatusCode)
	}
}

func TestPprofDisabledByDefault(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), WithGatherer(testGatherer(t)))
	srv := httptest.NewServer(s.handler(Config{}))
	defer srv.Close()
	res, err := http.Get(srv.URL + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), WithGatherer(testGatherer(t)))
	srv := httptest.NewServer(s.handler(Config{Token: "s3cret"}))
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", "/healthz", "", 401},
		{"wrong bearer", "/healthz", "Bearer nope", 401},
		{"bearer", "/healthz", "Bearer s3cret", 200},
		{"query", "/metrics?token=s3cret", "", 200},
		{"wrong query", "/metrics?token=x", "Bearer s3cret", 401},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, res.StatusCode, tt.want)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), WithGatherer(testGatherer(t)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	res, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("still bound after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
