package pprofutil

import (
	"io"
	"net/http"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartRefusesPublicBind(t *testing.T) {
	if _, err := Start("0.0.0.0:0", false, nil); err == nil {
		t.Fatalf("expected public bind to be refused")
	}
}

func TestStartServesIndex(t *testing.T) {
	srv, err := Start("127.0.0.1:0", false, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()
	resp, err := http.Get("http://" + srv.Addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestStartFromEnvDisabled(t *testing.T) {
	t.Setenv("MESH_PPROF", "")
	srv, err := StartFromEnv(nil)
	if err != nil || srv != nil {
		t.Fatalf("expected disabled, got %v %v", srv, err)
	}
}
