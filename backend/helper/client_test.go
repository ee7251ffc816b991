package helper

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"kiri/backend/domain"
)

func startHelperStub(t *testing.T, handler http.Handler) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets required")
	}
	// 放在短路径下，避开 unix socket 的路径长度限制
	sock := filepath.Join(t.TempDir(), "h.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return sock
}

func TestClient_EnableProxySendsSettings(t *testing.T) {
	var got ProxySettings
	var gotPath string
	sock := startHelperStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get(requestIDHeader) == "" {
			t.Error("request id header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	c := NewClient(sock)
	err := c.EnableProxy(context.Background(), ProxySettings{
		HTTPPort:        7890,
		SocksPort:       7891,
		PACURL:          "http://127.0.0.1:7892/proxy.pac",
		FilterInterface: true,
		IgnoreList:      []string{"localhost", "*.local"},
	})
	if err != nil {
		t.Fatalf("enable proxy: %v", err)
	}
	if gotPath != "/proxy/enable" {
		t.Errorf("path = %q, want /proxy/enable", gotPath)
	}
	if got.HTTPPort != 7890 || got.SocksPort != 7891 || !got.FilterInterface {
		t.Errorf("settings not forwarded: %+v", got)
	}
	if got.PACURL != "http://127.0.0.1:7892/proxy.pac" {
		t.Errorf("PACURL = %q", got.PACURL)
	}
}

func TestClient_ErrorStatusCarriesBody(t *testing.T) {
	sock := startHelperStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "SCPreferences commit denied", http.StatusInternalServerError)
	}))

	err := NewClient(sock).DisableProxy(context.Background(), false)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if want := "SCPreferences commit denied"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %q, want body %q embedded", err, want)
	}
}

func TestClient_UnreachableSocketMapsToUnavailable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets required")
	}
	c := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	err := c.Ping(context.Background())
	if !errors.Is(err, domain.ErrSystemConfigurationUnavailable) {
		t.Errorf("err = %v, want ErrSystemConfigurationUnavailable", err)
	}
}
