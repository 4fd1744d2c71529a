package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLauncherArgs(t *testing.T) {
	l := NewLauncher(Config{CDPHost: "127.0.0.1", CDPPort: 9333, ProfileDir: "/tmp/p", Headless: true})
	args := strings.Join(l.args(), " ")
	for _, want := range []string{"--remote-debugging-port=9333", "--user-data-dir=/tmp/p", "--headless=new", "--window-size=1920,1080"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args = %q; missing %q", args, want)
		}
	}
	if !strings.HasSuffix(args, "about:blank") {
		t.Fatalf("args = %q; want start URL last", args)
	}
}

func TestLaunchSkipsWhenPortListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	l := NewLauncher(Config{CDPHost: "127.0.0.1", CDPPort: ln.Addr().(*net.TCPAddr).Port, ProfileDir: t.TempDir()})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true; want false for an existing browser")
	}
	l.Stop()
}

func TestWaitForCDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Browser":"Chrome"}`))
	}))
	defer srv.Close()

	if err := waitForCDP(context.Background(), srv.URL+"/json/version", 2*time.Second); err != nil {
		t.Fatalf("waitForCDP() error = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := waitForCDP(context.Background(), down.URL, 600*time.Millisecond); err == nil {
		t.Fatal("waitForCDP() = nil; want timeout")
	}
}
