package prober

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"healthwatch/internal/monitor"
	logx "healthwatch/pkg/logx"
)

// Error types recorded in Metadata.ErrorType for transport failures.
const (
	ErrTypeTimeout    = "timeout"
	ErrTypeDNS        = "dns"
	ErrTypeRefused    = "connection_refused"
	ErrTypeTLS        = "tls"
	ErrTypeCanceled   = "canceled"
	ErrTypeInvalidURL = "invalid_url"
	ErrTypeUnknown    = "unknown"
)

type Options struct {
	UserAgent       string
	DefaultTimeout  time.Duration
	RatePerSec      float64 // 0 disables the limiter
	Burst           int
	MaxBodyBytes    int
	FollowRedirects bool
	MaxRedirects    int
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "healthwatch/1.0"
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 4096
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 10
	}
	return o
}

// DefaultOptions follows redirects and applies no rate limit.
func DefaultOptions() Options {
	return Options{FollowRedirects: true}.withDefaults()
}

// Prober performs single HTTP GET health probes. Safe for concurrent use.
type Prober struct {
	log    logx.Logger
	client *http.Client

	mu      sync.RWMutex
	opts    Options
	limiter *rate.Limiter

	now func() time.Time
}

func New(opts Options, log logx.Logger) *Prober {
	p := &Prober{log: log, now: time.Now}
	p.client = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: p.checkRedirect,
	}
	p.Apply(opts)
	return p
}

// Apply swaps the runtime options (hot reload).
func (p *Prober) Apply(opts Options) {
	opts = opts.withDefaults()
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst)
	}
	p.mu.Lock()
	p.opts = opts
	p.limiter = lim
	p.mu.Unlock()
}

func (p *Prober) options() (Options, *rate.Limiter) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts, p.limiter
}

type redirectKey struct{}

func (p *Prober) checkRedirect(req *http.Request, via []*http.Request) error {
	opts, _ := p.options()
	if !opts.FollowRedirects {
		return http.ErrUseLastResponse
	}
	if len(via) > opts.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", opts.MaxRedirects)
	}
	if n, ok := req.Context().Value(redirectKey{}).(*int); ok {
		*n = len(via)
	}
	return nil
}

// Probe GETs the service endpoint once and classifies the result. Every
// failure is reported inside the Outcome.
func (p *Prober) Probe(ctx context.Context, svc monitor.Service) monitor.Outcome {
	opts, lim := p.options()
	meta := monitor.Metadata{
		ServiceName: svc.Name,
		Endpoint:    svc.Endpoint,
		Method:      http.MethodGet,
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return p.failure(meta, p.now(), err)
		}
	}

	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, svc.Timeout(opts.DefaultTimeout))
	defer cancel()

	redirects := 0
	ctx = context.WithValue(ctx, redirectKey{}, &redirects)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.Endpoint, nil)
	if err != nil {
		out := p.failure(meta, start, err)
		out.Metadata.ErrorType = ErrTypeInvalidURL
		return out
	}
	req.Header.Set("User-Agent", opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	if svc.HasBasicAuth() {
		req.SetBasicAuth(svc.Username, svc.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.failure(meta, start, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(opts.MaxBodyBytes)))
	latency := p.now().Sub(start)

	meta.Headers = headerNames(req.Header)
	meta.Redirects = redirects
	if resp.Request != nil && resp.Request.URL != nil {
		if final := resp.Request.URL.String(); final != svc.Endpoint {
			meta.FinalURL = final
		}
	}

	code := resp.StatusCode
	status, msg := Classify(code)
	out := monitor.Outcome{
		Status:       status,
		StatusCode:   &code,
		LatencyMs:    latency.Milliseconds(),
		ErrorMessage: msg,
		Metadata:     meta,
		CheckedAt:    start.UTC(),
	}
	if len(body) > 0 {
		s := string(body)
		out.Response = &s
	}
	return out
}

func (p *Prober) failure(meta monitor.Metadata, start time.Time, err error) monitor.Outcome {
	msg := err.Error()
	meta.ErrorType = ErrorType(err)
	return monitor.Outcome{
		Status:       monitor.StatusDown,
		LatencyMs:    p.now().Sub(start).Milliseconds(),
		ErrorMessage: &msg,
		Metadata:     meta,
		CheckedAt:    start.UTC(),
	}
}

// Classify maps an HTTP status code to a service status:
// [200,300) up, [300,500) degraded, anything else down.
func Classify(code int) (monitor.Status, *string) {
	if code >= 200 && code < 300 {
		return monitor.StatusUp, nil
	}
	msg := fmt.Sprintf("Received status %d", code)
	if code >= 300 && code < 500 {
		return monitor.StatusDegraded, &msg
	}
	return monitor.StatusDown, &msg
}

// ErrorType buckets a transport error.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrTypeCanceled
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrTypeTimeout
		}
		return ErrTypeDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrTypeRefused
	}
	var (
		certErr     *tls.CertificateVerificationError
		recErr      tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &recErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return ErrTypeTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTypeTimeout
	}
	return ErrTypeUnknown
}

// headerNames lists request header names, minus Authorization.
func headerNames(h http.Header) []string {
	out := make([]string, 0, len(h))
	for k := range h {
		if http.CanonicalHeaderKey(k) == "Authorization" {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
