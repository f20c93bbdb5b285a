package probe

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/autotraficgen/proxypool/internal/models"
)

func newTarget(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func proxyFromAddr(t *testing.T, protocol, addr string) models.Proxy {
	t.Helper()
	host, portStr, errSplit := net.SplitHostPort(addr)
	if errSplit != nil {
		t.Fatalf("split %s: %v", addr, errSplit)
	}
	port, errPort := strconv.Atoi(portStr)
	if errPort != nil {
		t.Fatalf("port %s: %v", portStr, errPort)
	}
	return models.Proxy{ID: 1, Address: host, Port: port, Protocol: protocol, RealIP: host}
}

// newForwardProxy relays absolute-form requests to their target.
func newForwardProxy(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Host == "" {
			http.Error(w, "not a proxy request", http.StatusBadRequest)
			return
		}
		out, errReq := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), nil)
		if errReq != nil {
			http.Error(w, errReq.Error(), http.StatusBadGateway)
			return
		}
		resp, errDo := http.DefaultTransport.RoundTrip(out)
		if errDo != nil {
			http.Error(w, errDo.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// serveSOCKS accepts connections and hands each to handshake, which returns the dialed upstream.
func serveSOCKS(t *testing.T, handshake func(net.Conn) (net.Conn, error)) string {
	t.Helper()
	ln, errListen := net.Listen("tcp", "127.0.0.1:0")
	if errListen != nil {
		t.Fatalf("listen: %v", errListen)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, errAccept := ln.Accept()
			if errAccept != nil {
				return
			}
			go func() {
				defer conn.Close()
				upstream, errHandshake := handshake(conn)
				if errHandshake != nil {
					return
				}
				defer upstream.Close()
				go func() { _, _ = io.Copy(upstream, conn) }()
				_, _ = io.Copy(conn, upstream)
			}()
		}
	}()
	return ln.Addr().String()
}

func socks5Handshake(conn net.Conn) (net.Conn, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(conn, make([]byte, head[1])); err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{5, 0}); err != nil {
		return nil, err
	}
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return nil, err
	}
	var host string
	switch req[3] {
	case 1:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, err
		}
		host = net.IP(ip).String()
	case 3:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return nil, err
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return nil, err
		}
		host = string(name)
	default:
		return nil, io.ErrUnexpectedEOF
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	upstream, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf)))))
	if err != nil {
		_, _ = conn.Write([]byte{5, 1, 0, 1, 0, 0, 0, 0, 0, 0})
		return nil, err
	}
	if _, err := conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		upstream.Close()
		return nil, err
	}
	return upstream, nil
}

func socks4Handshake(conn net.Conn) (net.Conn, error) {
	req := make([]byte, 8)
	if _, err := io.ReadFull(conn, req); err != nil {
		return nil, err
	}
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, one); err != nil {
			return nil, err
		}
		if one[0] == 0 {
			break
		}
	}
	port := binary.BigEndian.Uint16(req[2:4])
	host := net.IP(req[4:8]).String()
	upstream, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		_, _ = conn.Write([]byte{0, 0x5b, 0, 0, 0, 0, 0, 0})
		return nil, err
	}
	if _, err := conn.Write([]byte{0, 0x5a, 0, 0, 0, 0, 0, 0}); err != nil {
		upstream.Close()
		return nil, err
	}
	return upstream, nil
}

func TestCheckHTTPProxySuccess(t *testing.T) {
	target := newTarget(t, http.StatusOK, `{"origin": "198.51.100.23, 10.0.0.1"}`)
	var hits atomic.Int32
	fwd := newForwardProxy(t, &hits)
	u, _ := url.Parse(fwd.URL)

	c := NewChecker(Config{TargetURL: target.URL + "/ip", Timeout: 2 * time.Second, ExitIPPath: DefaultExitIPPath})
	for _, protocol := range []string{models.ProtocolHTTP, models.ProtocolHTTPS} {
		res := c.Check(context.Background(), proxyFromAddr(t, protocol, u.Host))
		if !res.OK || res.Err != nil {
			t.Fatalf("%s: expected success, got %+v", protocol, res)
		}
		if res.ExitIP != "198.51.100.23" {
			t.Fatalf("%s: exit ip = %q", protocol, res.ExitIP)
		}
		if res.Latency <= 0 {
			t.Fatalf("%s: latency not measured", protocol)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("proxy hits = %d, want 2", hits.Load())
	}
}

func TestCheckSOCKSProxies(t *testing.T) {
	target := newTarget(t, http.StatusOK, `{"origin": "203.0.113.50"}`)
	c := NewChecker(Config{TargetURL: target.URL + "/ip", Timeout: 2 * time.Second, ExitIPPath: DefaultExitIPPath})

	cases := map[string]func(net.Conn) (net.Conn, error){
		models.ProtocolSOCKS5: socks5Handshake,
		models.ProtocolSOCKS4: socks4Handshake,
	}
	for protocol, handshake := range cases {
		addr := serveSOCKS(t, handshake)
		res := c.Check(context.Background(), proxyFromAddr(t, protocol, addr))
		if !res.OK {
			t.Fatalf("%s: expected success, got %+v", protocol, res)
		}
		if res.ExitIP != "203.0.113.50" {
			t.Fatalf("%s: exit ip = %q", protocol, res.ExitIP)
		}
	}
}

func TestCheckFailures(t *testing.T) {
	var hits atomic.Int32
	fwd := newForwardProxy(t, &hits)
	u, _ := url.Parse(fwd.URL)

	unavailable := newTarget(t, http.StatusServiceUnavailable, `{}`)
	c := NewChecker(Config{TargetURL: unavailable.URL, Timeout: 2 * time.Second})
	if res := c.Check(context.Background(), proxyFromAddr(t, models.ProtocolHTTP, u.Host)); res.OK || res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("non-2xx should fail, got %+v", res)
	}

	ln, errListen := net.Listen("tcp", "127.0.0.1:0")
	if errListen != nil {
		t.Fatalf("listen: %v", errListen)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()
	for _, protocol := range models.Protocols {
		if res := c.Check(context.Background(), proxyFromAddr(t, protocol, deadAddr)); res.OK || res.Err == nil {
			t.Fatalf("%s: refused proxy should fail, got %+v", protocol, res)
		}
	}

	if res := c.Check(context.Background(), models.Proxy{Address: "127.0.0.1", Port: 1, Protocol: "ftp"}); res.OK || res.Err == nil {
		t.Fatalf("unsupported protocol should fail, got %+v", res)
	}
}

func TestCheckTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)
	u, _ := url.Parse(slow.URL)

	c := NewChecker(Config{TargetURL: "http://example.invalid/ip", Timeout: 200 * time.Millisecond})
	start := time.Now()
	res := c.Check(context.Background(), proxyFromAddr(t, models.ProtocolHTTP, u.Host))
	if res.OK || res.Err == nil {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe ignored its timeout (%s)", elapsed)
	}
}

func TestExitIP(t *testing.T) {
	cases := []struct {
		body, path, want string
	}{
		{`{"origin":"1.2.3.4, 5.6.7.8"}`, "origin", "1.2.3.4"},
		{`{"ip":"2001:db8::1"}`, "ip", "2001:db8::1"},
		{`{"origin":"not-an-ip"}`, "origin", ""},
		{`{"origin":"1.2.3.4"}`, "", ""},
		{`plain text`, "origin", ""},
	}
	for _, tc := range cases {
		if got := exitIP([]byte(tc.body), tc.path); got != tc.want {
			t.Fatalf("exitIP(%s, %q) = %q, want %q", tc.body, tc.path, got, tc.want)
		}
	}
}
