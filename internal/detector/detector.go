// Package detector implements the Server Detector: learns the local port
// a freshly started app bound, either by matching a readiness regex
// against its stdout/stderr stream or by scanning a bounded port range
// for the first HTTP-responding port, whichever fires first, bounded by a
// hard overall timeout. Grounded on internal/runner/networking.go's
// GetFreePort (not called here; the scan fallback does its own HTTP
// probing) and
// queuematcher.go's regexp.Compile/match convention, generalized from
// "match a queue name against an operator-supplied pattern" to "match a
// stdout line against an app-supplied readiness pattern".
package detector

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-stack/stack"
	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// DefaultTimeout is the hard overall readiness deadline spec.md documents.
const DefaultTimeout = 300 * time.Second

// DefaultPortRangeLow/High bound the scan fallback's bounded port range.
const (
	DefaultPortRangeLow  = 3000
	DefaultPortRangeHigh = 9000
)

// DefaultScanInterval bounds the scan fallback's polling rate.
const DefaultScanInterval = 250 * time.Millisecond

// Result is what Detect returns once readiness is confirmed.
type Result struct {
	Port   int
	Method string // "event" | "scan"
}

// Options configures one Detect call.
type Options struct {
	ReadinessRegex string
	DefaultPort    int
	Timeout        time.Duration
	PortRangeLow   int
	PortRangeHigh  int
	ScanInterval   time.Duration
	AllowList      []int
	Host           string // host to dial for the scan fallback, default "127.0.0.1"
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PortRangeLow <= 0 {
		o.PortRangeLow = DefaultPortRangeLow
	}
	if o.PortRangeHigh <= 0 {
		o.PortRangeHigh = DefaultPortRangeHigh
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	return o
}

// Detect races the event-driven regex matcher (fed lines from the stdout
// channel) against the scan fallback, returning whichever confirms
// readiness first. lines may be nil if the descriptor declared no
// readiness regex, in which case only the scan fallback runs.
func Detect(ctx context.Context, lines <-chan string, opts Options) (*Result, *apperrors.Error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	resultC := make(chan Result, 2)
	errDone := make(chan struct{})

	if opts.ReadinessRegex != "" && lines != nil {
		re, errGo := regexp.Compile(opts.ReadinessRegex)
		if errGo != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, errGo).With("pattern", opts.ReadinessRegex).
				With("stack", stack.Trace().TrimRuntime())
		}
		go watchLines(ctx, lines, re, resultC)
	}

	go scanPorts(ctx, opts, resultC)

	select {
	case res := <-resultC:
		return &res, nil
	case <-ctx.Done():
		close(errDone)
		return nil, apperrors.New(apperrors.KindReadinessTimeout, "no readiness signal within timeout").
			With("timeout", opts.Timeout.String())
	}
}

func watchLines(ctx context.Context, lines <-chan string, re *regexp.Regexp, resultC chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			port := 0
			for _, g := range m[1:] {
				if p, errGo := strconv.Atoi(g); errGo == nil && p > 0 && p <= 65535 {
					port = p
					break
				}
			}
			if port == 0 {
				continue
			}
			select {
			case resultC <- Result{Port: port, Method: "event"}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func scanPorts(ctx context.Context, opts Options, resultC chan<- Result) {
	ticker := time.NewTicker(opts.ScanInterval)
	defer ticker.Stop()

	candidates := make([]int, 0, opts.PortRangeHigh-opts.PortRangeLow+1+len(opts.AllowList))
	if opts.DefaultPort > 0 {
		candidates = append(candidates, opts.DefaultPort)
	}
	for _, p := range opts.AllowList {
		candidates = append(candidates, p)
	}
	for p := opts.PortRangeLow; p <= opts.PortRangeHigh; p++ {
		candidates = append(candidates, p)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, port := range candidates {
				if ctx.Err() != nil {
					return
				}
				if probeHTTP(ctx, opts.Host, port) {
					select {
					case resultC <- Result{Port: port, Method: "scan"}:
					case <-ctx.Done():
					}
					return
				}
			}
		}
	}
}

// probeHTTP reports whether port responds to a bare TCP dial followed by
// an HTTP GET returning any status in [200, 499], per spec's acceptance
// window (so an app returning 404 on "/" during warmup still counts as
// "a server is listening here", while connection-refused does not).
func probeHTTP(ctx context.Context, host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: 200 * time.Millisecond}
	conn, errGo := dialer.DialContext(ctx, "tcp", addr)
	if errGo != nil {
		return false
	}
	conn.Close()

	client := http.Client{Timeout: 500 * time.Millisecond}
	req, errGo := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/", nil)
	if errGo != nil {
		return false
	}
	resp, errGo := client.Do(req)
	if errGo != nil {
		// A bare open port with no HTTP server yet is not readiness.
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 499
}

