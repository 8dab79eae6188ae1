package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/stagexfer/internal/config"
	"github.com/rescale/stagexfer/internal/logging"
)

// CreateOptimizedClient creates an HTTP client tuned for parallel part transfers.
//
// Key features:
//   - Proxy and CA bundle support (uses ConfigureHTTPClient as base)
//   - Large connection pool for concurrent part requests
//   - HTTP/2 unless a proxy is active or DISABLE_HTTP2=true
//   - Disabled compression (ciphertext does not compress)
//
// The client has no overall timeout; every request is bounded by its context.
func CreateOptimizedClient(opts ClientOptions) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(opts)
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport; tuning would bypass the negotiator
		baseClient.Timeout = 0
		return baseClient, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	// proxies often break HTTP/2 multiplexing mid-transfer; FORCE_HTTP2=true overrides
	disableHTTP2 := os.Getenv("DISABLE_HTTP2") == "true" ||
		(opts.Proxy.Active() && os.Getenv("FORCE_HTTP2") != "true")
	if disableHTTP2 {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	baseClient.Timeout = 0
	return baseClient, nil
}

// NewTransferClient resolves proxy and CA bundle settings from cfg and builds the client.
func NewTransferClient(cfg *config.TransferConfig, logger *logging.Logger) (*nethttp.Client, error) {
	proxy, err := config.ResolveProxy(cfg)
	if err != nil {
		return nil, err
	}
	caBundle := config.ResolveCABundleFile(cfg)
	if caBundle != "" {
		logging.OrNop(logger).Debug().Str("ca_bundle", caBundle).Msg("using custom CA bundle")
	}
	return CreateOptimizedClient(ClientOptions{
		Proxy:        proxy,
		CABundleFile: caBundle,
		Logger:       logger,
	})
}
