package http

import (
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/stagexfer/internal/config"
	"github.com/rescale/stagexfer/internal/constants"
	"github.com/rescale/stagexfer/internal/logging"
)

// ClientOptions selects the proxy and trust roots of a transfer client.
type ClientOptions struct {
	Proxy        config.ProxySettings
	CABundleFile string
	Logger       *logging.Logger
}

// ConfigureHTTPClient builds an HTTP client with the proxy mode and CA bundle applied.
// NTLM mode wraps the transport in an ntlmssp.Negotiator.
func ConfigureHTTPClient(opts ClientOptions) (*nethttp.Client, error) {
	logger := logging.OrNop(opts.Logger)

	tlsConfig, err := newTLSConfig(opts.CABundleFile)
	if err != nil {
		return nil, err
	}

	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // default of 2 starves parallel part requests
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		ResponseHeaderTimeout: constants.HTTPResponseHeaderTimeout,
	}

	p := opts.Proxy
	switch strings.ToLower(p.Mode) {
	case "no-proxy", "":
		transport.Proxy = nil

	case "system":
		transport.Proxy = nethttp.ProxyFromEnvironment

	case "ntlm":
		if p.Host == "" {
			logger.Warn().Msg("proxy mode is ntlm but host is missing, connecting directly")
			return &nethttp.Client{Transport: transport}, nil
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(p), p.NoProxy)
		return &nethttp.Client{
			Transport: ntlmssp.Negotiator{RoundTripper: transport},
		}, nil

	case "basic":
		if p.Host == "" {
			logger.Warn().Msg("proxy mode is basic but host is missing, connecting directly")
			return &nethttp.Client{Transport: transport}, nil
		}
		if p.NeedsPassword() {
			logger.Warn().Msg("proxy user configured but password missing, proxy auth disabled")
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(p), p.NoProxy)

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", p.Mode)
	}

	return &nethttp.Client{Transport: transport}, nil
}

// buildProxyURL constructs a proxy URL from resolved settings
func buildProxyURL(p config.ProxySettings) *url.URL {
	port := p.Port
	if port == 0 {
		port = 8080
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Host, fmt.Sprintf("%d", port)),
	}

	// an empty password in the URL makes some proxies reject the request
	if p.User != "" && p.Password != "" {
		proxyURL.User = url.UserPassword(p.User, p.Password)
	}
	return proxyURL
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
}
