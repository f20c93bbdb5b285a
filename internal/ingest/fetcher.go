// Package ingest pulls candidate proxies from the upstream provider into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/events"
	"github.com/autotraficgen/proxypool/internal/metrics"
	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/autotraficgen/proxypool/internal/store"
	"github.com/autotraficgen/proxypool/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultAPIKeyParam    = "key"
	maxPayloadBytes       = 64 << 20
	maxErrorBodyBytes     = 512
)

// ErrMalformedPayload is returned when the provider body is not a JSON array.
var ErrMalformedPayload = errors.New("ingest: malformed provider payload")

// ProviderError reports a non-2xx provider response.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("ingest: provider status=%d body=%s", e.StatusCode, e.Body)
}

// Config describes the provider endpoint.
type Config struct {
	URL         string
	APIKey      string
	APIKeyParam string
	Timeout     time.Duration
}

// Inserter is the store surface ingestion writes to.
type Inserter interface {
	InsertCandidates(ctx context.Context, candidates []store.Candidate) (int64, error)
}

// Result summarizes one ingestion run.
type Result struct {
	Fetched    int
	Candidates int
	Inserted   int64
}

// Fetcher downloads the provider list and inserts what is new.
type Fetcher struct {
	cfg    Config
	client *http.Client
	store  Inserter
	sink   events.Sink
}

// NewFetcher constructs a Fetcher. A nil client selects a plain http.Client.
func NewFetcher(cfg Config, st Inserter, sink events.Sink, client *http.Client) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if strings.TrimSpace(cfg.APIKeyParam) == "" {
		cfg.APIKeyParam = defaultAPIKeyParam
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{cfg: cfg, client: client, store: st, sink: sink}
}

// Ingest fetches and stores candidates. Provider or store failures are logged
// and yield an empty Result so callers keep working with the existing pool.
func (f *Fetcher) Ingest(ctx context.Context) Result {
	if f == nil {
		return Result{}
	}
	entries, candidates, errFetch := f.Fetch(ctx)
	if errFetch != nil {
		log.WithError(errFetch).Warnf("ingest: fetch from %s failed", util.MaskURL(f.cfg.URL))
		return Result{}
	}
	res := Result{Fetched: entries, Candidates: len(candidates)}
	if len(candidates) == 0 || f.store == nil {
		f.emit(ctx, res)
		return res
	}
	inserted, errInsert := f.store.InsertCandidates(ctx, candidates)
	if errInsert != nil {
		log.WithError(errInsert).Warn("ingest: store candidates failed")
		return Result{}
	}
	res.Inserted = inserted
	metrics.AddIngested(inserted)
	f.emit(ctx, res)
	return res
}

// Fetch downloads and parses the provider list without touching the store.
// It returns the number of provider entries alongside the candidates.
func (f *Fetcher) Fetch(ctx context.Context) (int, []store.Candidate, error) {
	if f == nil {
		return 0, nil, errors.New("ingest: fetcher not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	target, errURL := f.requestURL()
	if errURL != nil {
		return 0, nil, errURL
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if errReq != nil {
		return 0, nil, fmt.Errorf("ingest: build request: %w", errReq)
	}
	req.Header.Set("Accept", "application/json")

	resp, errResp := f.client.Do(req)
	if errResp != nil {
		return 0, nil, fmt.Errorf("ingest: request: %w", scrubURLError(errResp))
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("ingest: close response body error: %v", errClose)
		}
	}()

	payload, errRead := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if errRead != nil {
		return 0, nil, fmt.Errorf("ingest: read body: %w", errRead)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, nil, &ProviderError{StatusCode: resp.StatusCode, Body: summarize(payload)}
	}
	entries, candidates, errParse := ParsePayload(payload)
	if errParse != nil {
		return 0, nil, errParse
	}
	return entries, candidates, nil
}

func (f *Fetcher) requestURL() (string, error) {
	raw := strings.TrimSpace(f.cfg.URL)
	if raw == "" {
		return "", errors.New("ingest: provider url is empty")
	}
	u, errParse := url.Parse(raw)
	if errParse != nil {
		return "", fmt.Errorf("ingest: parse provider url: %w", errParse)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("ingest: unsupported provider url scheme %q", u.Scheme)
	}
	if key := strings.TrimSpace(f.cfg.APIKey); key != "" {
		q := u.Query()
		q.Set(f.cfg.APIKeyParam, key)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (f *Fetcher) emit(ctx context.Context, res Result) {
	events.Emit(ctx, f.sink, events.New(events.KindIngested, map[string]any{
		"fetched":    res.Fetched,
		"candidates": res.Candidates,
		"inserted":   res.Inserted,
	}))
}

// ParsePayload converts a provider body into one candidate per advertised protocol.
// It returns the number of provider entries alongside the candidates.
func ParsePayload(payload []byte) (int, []store.Candidate, error) {
	if !gjson.ValidBytes(payload) {
		return 0, nil, ErrMalformedPayload
	}
	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		return 0, nil, ErrMalformedPayload
	}

	entries := 0
	var out []store.Candidate
	root.ForEach(func(_, item gjson.Result) bool {
		entries++
		if !item.IsObject() {
			return true
		}
		address := strings.TrimSpace(item.Get("ip").String())
		port := int(item.Get("port").Int())
		if address == "" || port <= 0 || port > 65535 {
			return true
		}
		realIP := strings.TrimSpace(item.Get("real_ip").String())
		var responseTime *float64
		if r := item.Get("response"); r.Exists() {
			if v := r.Float(); v > 0 {
				responseTime = &v
			}
		}
		for _, protocol := range models.Protocols {
			if !flagSet(item.Get(protocol)) {
				continue
			}
			out = append(out, store.Candidate{
				Address:      address,
				Port:         port,
				Protocol:     protocol,
				RealIP:       realIP,
				ResponseTime: responseTime,
			})
		}
		return true
	})
	return entries, out, nil
}

func flagSet(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Num != 0
	case gjson.String:
		s := strings.ToLower(strings.TrimSpace(v.Str))
		return s == "1" || s == "true" || s == "yes"
	}
	return false
}

func summarize(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) > maxErrorBodyBytes {
		return s[:maxErrorBodyBytes] + "..."
	}
	return s
}

// scrubURLError keeps the API key out of logged transport errors.
func scrubURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{Op: urlErr.Op, URL: util.MaskURL(urlErr.URL), Err: urlErr.Err}
	}
	return err
}
