package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/retry"
)

// HTTPConfig mirrors spec.md §6.4's output.primary HTTP options.
type HTTPConfig struct {
	URL         string
	AuthToken   string
	TLSVerify   bool
	ClientCert  string
	ClientKey   string
	CABundle    string
	Compression bool
	TimeoutMS   int
	UserAgent   string
}

// HTTPSink posts compressed batches to a mothership, grounded directly
// on agent/internal/shipper/shipper.go's ship(): gzip via compress/gzip,
// http.NewRequestWithContext, status-based outcome classification.
// Generalized with sanitization headers, mTLS, and Retry-After handling.
type HTTPSink struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPSink builds the shared *http.Client once, including mTLS
// material when configured, mirroring the client.Config construction
// style but extending InsecureSkipVerify to full client-cert mTLS.
func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: !cfg.TLSVerify}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("sink: loading client cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CABundle != "" {
		pemData, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("sink: reading ca_bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("sink: ca_bundle %s contains no usable certificates", cfg.CABundle)
		}
		tlsCfg.RootCAs = pool
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	return &HTTPSink{cfg: cfg, client: client}, nil
}

// isTLSConfigError reports whether err stems from certificate
// verification or mTLS setup rather than a reachability problem, per
// spec.md §4.5/§7: a bad CA bundle or expired/untrusted server cert
// will never succeed on retry, so it must be classified permanent
// instead of transient.
func isTLSConfigError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &invalidCert) {
		return true
	}
	return false
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSink) Write(ctx context.Context, batch OutboundBatch) WriteResult {
	data, err := json.Marshal(batch)
	if err != nil {
		return WriteResult{Outcome: OutcomePermanent, Err: fmt.Errorf("sink: marshaling batch: %w", err)}
	}

	body := data
	contentEncoding := ""
	if s.cfg.Compression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return WriteResult{Outcome: OutcomePermanent, Err: fmt.Errorf("sink: compressing batch: %w", err)}
		}
		if err := gz.Close(); err != nil {
			return WriteResult{Outcome: OutcomePermanent, Err: fmt.Errorf("sink: closing gzip writer: %w", err)}
		}
		body = buf.Bytes()
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return WriteResult{Outcome: OutcomePermanent, Err: fmt.Errorf("sink: building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	userAgent := s.cfg.UserAgent
	if userAgent == "" {
		userAgent = "edgebot/1.0"
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Edgebot-Batch-Size", fmt.Sprintf("%d", batch.BatchSize))
	if batch.IsRetry {
		req.Header.Set("X-Retry", "true")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		select {
		case <-ctx.Done():
			return WriteResult{Outcome: OutcomeTransient, Err: ctx.Err()}
		default:
		}
		wrapped := fmt.Errorf("sink: sending request: %w", err)
		if isTLSConfigError(err) {
			return WriteResult{Outcome: OutcomePermanent, Err: wrapped}
		}
		return WriteResult{Outcome: OutcomeTransient, Err: wrapped}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return WriteResult{Outcome: OutcomeSuccess, Count: batch.BatchSize}
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	wireErr := fmt.Errorf("sink: mothership returned %d: %s", resp.StatusCode, string(respBody))

	result := WriteResult{Err: wireErr}
	if retry.ClassifyStatus(resp.StatusCode) == retry.ClassPermanent {
		result.Outcome = OutcomePermanent
		return result
	}
	result.Outcome = OutcomeTransient
	if d, ok := retry.RetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
		result.RetryAfter = d
	}
	return result
}
