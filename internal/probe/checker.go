// Package probe issues a single test request through a proxy.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/net/proxy"
	"h12.io/socks"
)

const (
	DefaultTargetURL  = "https://httpbin.org/ip"
	DefaultTimeout    = 5 * time.Second
	DefaultExitIPPath = "origin"

	maxBodyBytes = 64 << 10
)

// Config controls what a probe requests and how long it may take.
type Config struct {
	TargetURL string
	Timeout   time.Duration
	// ExitIPPath is a gjson path into the target's body that yields the exit IP.
	// Empty disables exit IP discovery.
	ExitIPPath string
}

// Result is the outcome of one probe.
type Result struct {
	OK         bool
	Latency    time.Duration
	StatusCode int
	ExitIP     string
	Err        error
}

// Checker probes proxies. It holds no per-proxy state and is safe for concurrent use.
type Checker struct {
	cfg Config
}

// NewChecker fills unset fields with defaults.
func NewChecker(cfg Config) *Checker {
	if strings.TrimSpace(cfg.TargetURL) == "" {
		cfg.TargetURL = DefaultTargetURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Checker{cfg: cfg}
}

// Check requests the target URL through p. Any transport error, timeout or
// non-2xx status is a failed probe.
func (c *Checker) Check(ctx context.Context, p models.Proxy) Result {
	transport, errTransport := c.transportFor(p)
	if errTransport != nil {
		return Result{Err: errTransport}
	}
	defer transport.CloseIdleConnections()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.TargetURL, nil)
	if errReq != nil {
		return Result{Err: fmt.Errorf("probe: build request: %w", errReq)}
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	start := time.Now()
	resp, errResp := client.Do(req)
	if errResp != nil {
		return Result{Err: errResp}
	}
	latency := time.Since(start)
	defer func() { _ = resp.Body.Close() }()

	res := Result{Latency: latency, StatusCode: resp.StatusCode}
	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if errRead != nil {
		res.Err = fmt.Errorf("probe: read body: %w", errRead)
		return res
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		res.Err = fmt.Errorf("probe: target status=%d", resp.StatusCode)
		return res
	}
	res.OK = true
	res.ExitIP = exitIP(body, c.cfg.ExitIPPath)
	return res
}

func (c *Checker) transportFor(p models.Proxy) (*http.Transport, error) {
	transport := &http.Transport{
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: c.cfg.Timeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	addr := p.HostPort()

	switch strings.ToLower(p.Protocol) {
	case models.ProtocolHTTP, models.ProtocolHTTPS:
		// Both flavours are forward proxies reached in clear text; https ones
		// additionally accept CONNECT tunnels, which the transport uses for https targets.
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: addr})
		transport.DialContext = dialer.DialContext
	case models.ProtocolSOCKS5:
		socksDialer, errSocks := proxy.SOCKS5("tcp", addr, nil, dialer)
		if errSocks != nil {
			return nil, fmt.Errorf("probe: socks5 dialer: %w", errSocks)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("probe: socks5 dialer does not support contexts")
		}
		transport.DialContext = contextDialer.DialContext
	case models.ProtocolSOCKS4:
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", addr, c.cfg.Timeout))
		transport.DialContext = contextualDial(dial)
	default:
		return nil, fmt.Errorf("probe: unsupported protocol %q", p.Protocol)
	}
	return transport, nil
}

// contextualDial adapts a dial function without context support so that a
// cancelled context abandons the dial.
func contextualDial(dial func(network, addr string) (net.Conn, error)) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type dialResult struct {
			conn net.Conn
			err  error
		}
		done := make(chan dialResult, 1)
		go func() {
			conn, err := dial(network, addr)
			done <- dialResult{conn: conn, err: err}
		}()
		select {
		case r := <-done:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-done; r.conn != nil {
					_ = r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

func exitIP(body []byte, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || !gjson.ValidBytes(body) {
		return ""
	}
	raw := gjson.GetBytes(body, path).String()
	first, _, _ := strings.Cut(raw, ",")
	first = strings.TrimSpace(first)
	if net.ParseIP(first) == nil {
		return ""
	}
	return first
}
