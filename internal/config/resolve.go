package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Global attribute names accepted by SetGlobalAttribute.
const (
	AttrCABundleFile = "ca_bundle_file"
	AttrProxyURL     = "proxy_url"
)

// CABundleEnvVar names the lowest-precedence CA bundle source.
const CABundleEnvVar = EnvPrefix + "_CA_BUNDLE_FILE"

var (
	globalMu    sync.RWMutex
	globalAttrs = map[string]string{}
)

// SetGlobalAttribute sets a process-wide attribute consulted by the resolvers.
// An empty value removes the attribute.
func SetGlobalAttribute(name, value string) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if value == "" {
		delete(globalAttrs, name)
		return
	}
	globalAttrs[name] = value
}

// GlobalAttribute returns a process-wide attribute.
func GlobalAttribute(name string) (string, bool) {
	globalMu.RLock()
	defer globalMu.RUnlock()
	v, ok := globalAttrs[name]
	return v, ok
}

// ResolveCABundleFile returns the CA bundle to trust, or "" for the system pool.
// Precedence: explicit config, then the global attribute, then STAGEXFER_CA_BUNDLE_FILE.
func ResolveCABundleFile(cfg *TransferConfig) string {
	if cfg != nil && cfg.CABundleFile != "" {
		return cfg.CABundleFile
	}
	if v, ok := GlobalAttribute(AttrCABundleFile); ok {
		return v
	}
	return os.Getenv(CABundleEnvVar)
}

// ProxySettings is the resolved proxy configuration handed to the HTTP layer.
type ProxySettings struct {
	Mode     string // no-proxy, system, basic, ntlm
	Host     string
	Port     int
	User     string
	Password string
	NoProxy  string
}

// Active reports whether requests may go through a proxy.
func (p ProxySettings) Active() bool {
	switch p.Mode {
	case "basic", "ntlm":
		return true
	case "system":
		for _, v := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
			if os.Getenv(v) != "" {
				return true
			}
		}
	}
	return false
}

// NeedsPassword returns true if the proxy requires credentials but has no password.
func (p ProxySettings) NeedsPassword() bool {
	if p.Mode != "basic" && p.Mode != "ntlm" {
		return false
	}
	return p.User != "" && p.Password == ""
}

// ResolveProxy returns the proxy to use.
// Precedence: an explicit basic/ntlm/no-proxy mode in config, then the
// AttrProxyURL global attribute, then the standard proxy environment variables.
func ResolveProxy(cfg *TransferConfig) (ProxySettings, error) {
	mode := ""
	if cfg != nil {
		mode = strings.ToLower(cfg.ProxyMode)
	}

	switch mode {
	case "basic", "ntlm", "no-proxy":
		return ProxySettings{
			Mode:     mode,
			Host:     cfg.ProxyHost,
			Port:     cfg.ProxyPort,
			User:     cfg.ProxyUser,
			Password: cfg.ProxyPassword,
			NoProxy:  cfg.NoProxy,
		}, nil
	case "", "system":
	default:
		return ProxySettings{}, fmt.Errorf("%w: %q", ErrInvalidProxyMode, mode)
	}

	noProxy := ""
	if cfg != nil {
		noProxy = cfg.NoProxy
	}

	if raw, ok := GlobalAttribute(AttrProxyURL); ok {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return ProxySettings{}, fmt.Errorf("invalid proxy URL %q", raw)
		}
		port := 8080
		if p := u.Port(); p != "" {
			if port, err = strconv.Atoi(p); err != nil {
				return ProxySettings{}, fmt.Errorf("invalid proxy port %q", p)
			}
		}
		s := ProxySettings{Mode: "basic", Host: u.Hostname(), Port: port, NoProxy: noProxy}
		if u.User != nil {
			s.User = u.User.Username()
			s.Password, _ = u.User.Password()
		}
		return s, nil
	}

	return ProxySettings{Mode: "system", NoProxy: noProxy}, nil
}
