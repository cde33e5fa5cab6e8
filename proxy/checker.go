package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	tls "github.com/refraction-networking/utls"
	xproxy "golang.org/x/net/proxy"
)

const probeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Checker probes proxy endpoints. Probes through socks5 endpoints present a
// Chrome TLS fingerprint via utls so fingerprint-sensitive targets do not
// skew reachability results; http/https endpoints tunnel via CONNECT with the
// standard library's TLS, since Transport.Proxy bypasses DialTLSContext.
type Checker struct {
	probeURL string
	timeout  time.Duration
}

// NewChecker creates a Checker that fetches probeURL through each endpoint.
func NewChecker(probeURL string, timeout time.Duration) *Checker {
	return &Checker{probeURL: probeURL, timeout: timeout}
}

// CheckResult is the reachability verdict for one endpoint.
type CheckResult struct {
	Layer    string        `json:"layer"`
	Endpoint string        `json:"endpoint"`
	OK       bool          `json:"ok"`
	Latency  time.Duration `json:"latency_ms"`
	Error    string        `json:"error,omitempty"`
}

// CheckAll probes every endpoint of every layer sequentially, in declared
// order, and returns one result per endpoint.
func (c *Checker) CheckAll(ctx context.Context, layers []Layer) []CheckResult {
	var results []CheckResult
	for _, layer := range layers {
		for _, ep := range layer.Endpoints {
			start := time.Now()
			err := c.check(ctx, ep)
			res := CheckResult{
				Layer:    layer.Name,
				Endpoint: ep,
				OK:       err == nil,
				Latency:  time.Since(start),
			}
			if err != nil {
				res.Error = err.Error()
			}
			results = append(results, res)
			if ctx.Err() != nil {
				return results
			}
		}
	}
	return results
}

// check fetches the probe URL once through the given endpoint.
func (c *Checker) check(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proxyURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("checker: parse endpoint: %w", err)
	}

	transport := &http.Transport{}
	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		// FromURL handles the SOCKS5 negotiation, including user/password
		// auth carried in the endpoint URL.
		socksDialer, err := xproxy.FromURL(proxyURL, &net.Dialer{})
		if err != nil {
			return fmt.Errorf("checker: socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialSocks(ctx, socksDialer, network, addr)
		}
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := dialSocks(ctx, socksDialer, network, addr)
			if err != nil {
				return nil, err
			}
			return handshakeChrome(ctx, rawConn, addr)
		}
	default:
		return fmt.Errorf("checker: unsupported proxy scheme %q", proxyURL.Scheme)
	}

	client := &http.Client{Transport: transport}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return fmt.Errorf("checker: build request: %w", err)
	}
	req.Header.Set("User-Agent", probeUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("checker: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("checker: HTTP %d via %s", resp.StatusCode, endpoint)
	}
	return nil
}

// dialSocks dials the target through the SOCKS dialer, with context support
// when the dialer provides it.
func dialSocks(ctx context.Context, d xproxy.Dialer, network, addr string) (net.Conn, error) {
	if cd, ok := d.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.Dial(network, addr)
}

// handshakeChrome upgrades a raw tunnel connection to TLS with a Chrome
// fingerprint via utls.
func handshakeChrome(ctx context.Context, rawConn net.Conn, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	tlsConn := tls.UClient(rawConn, &tls.Config{
		ServerName: host,
	}, tls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
