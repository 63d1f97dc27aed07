package client

/*
sspac — PAC generator for GFWList-style rule lists
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package client provides the HTTP client used to download upstream rule lists.

The package manages a shared global HTTP client instance that is configured once (timeouts,
optional upstream proxy) and then retrieved by the source provider. The list host is often
only reachable through the very proxy the PAC file points at, so an explicit proxy URL
(http, https or socks5) can be configured instead of relying on the environment.
*/

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// HTTP client-specific constants.
const (
	// UserAgent is sent with every request.
	UserAgent = "sspac/0.1"
)

var (
	// defaultDialTimeout specifies the default timeout for establishing a new connection.
	defaultDialTimeout = 10 * time.Second
	// defaultKeepAliveTimeout specifies the default keep-alive period for an active network connection.
	defaultKeepAliveTimeout = 60 * time.Second
	// defaultIdleConnTimeout is the maximum amount of time an idle (keep-alive) connection will remain
	// idle before closing itself.
	defaultIdleConnTimeout = 90 * time.Second
	// defaultMaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts.
	defaultMaxIdleConns = 4
	// defaultRequestTimeout specifies the default timeout for a complete HTTP request.
	defaultRequestTimeout = 30 * time.Second

	// sharedClient is the global HTTP client instance used by the application.
	// It is lazily initialized on first use or when explicitly configured.
	sharedClient *http.Client
	// sharedClientLock protects access to sharedClient and clientInitialized.
	sharedClientLock sync.RWMutex
	// clientInitialized indicates whether the sharedClient has been initialized.
	clientInitialized bool
)

// Config holds configuration parameters for the HTTP client.
// A zero-value Config will result in default settings being used.
type Config struct {
	// DialTimeout is the maximum duration for establishing a new connection.
	DialTimeout time.Duration
	// KeepAliveTimeout specifies the keep-alive period for an active network connection.
	KeepAliveTimeout time.Duration
	// IdleConnTimeout is the maximum amount of time an idle (keep-alive) connection
	// will remain idle before closing itself.
	IdleConnTimeout time.Duration
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts.
	MaxIdleConns int
	// RequestTimeout is the timeout for the entire HTTP request, including connection time,
	// all redirects, and reading the response body.
	RequestTimeout time.Duration
	// ProxyURL, when set, routes every request through this proxy
	// (e.g. "socks5://127.0.0.1:1080"). Empty means the standard proxy environment variables.
	ProxyURL string
}

// DefaultConfig returns a new Config struct populated with default HTTP client settings.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:      defaultDialTimeout,
		KeepAliveTimeout: defaultKeepAliveTimeout,
		IdleConnTimeout:  defaultIdleConnTimeout,
		MaxIdleConns:     defaultMaxIdleConns,
		RequestTimeout:   defaultRequestTimeout,
	}
}

// proxyFunc resolves the transport proxy setting for a config.
func proxyFunc(raw string) (func(*http.Request) (*url.URL, error), error) {
	if raw == "" {
		return http.ProxyFromEnvironment, nil // Respect standard proxy environment variables.
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", raw)
	}
	return http.ProxyURL(u), nil
}

// InitHTTPClient initializes or reconfigures the shared global HTTP client with the provided configuration.
// If a nil config is provided, it uses the default configuration obtained from DefaultConfig().
// This function is thread-safe. On error the previous client is kept.
func InitHTTPClient(config *Config) error {
	if config == nil {
		config = DefaultConfig()
	}

	// Any zero vals coming in from config files - set something; don't assume.
	if config.DialTimeout == 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.KeepAliveTimeout == 0 {
		config.KeepAliveTimeout = defaultKeepAliveTimeout
	}
	if config.IdleConnTimeout == 0 {
		config.IdleConnTimeout = defaultIdleConnTimeout
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = defaultMaxIdleConns
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaultRequestTimeout
	}

	proxy, err := proxyFunc(config.ProxyURL)
	if err != nil {
		return err
	}

	sharedClientLock.Lock()
	defer sharedClientLock.Unlock()

	// If we're reinitializing an existing client, close idle connections on the old transport.
	if sharedClient != nil {
		if oldTransport, ok := sharedClient.Transport.(*http.Transport); ok && oldTransport != nil {
			oldTransport.CloseIdleConnections()
		}
	}

	transport := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	sharedClient = &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout, // Overall request timeout.
	}

	clientInitialized = true
	return nil
}

// GetHTTPClient returns the shared global HTTP client instance.
// If the client has not been initialized, it will be initialized with default settings.
// This function is thread-safe.
func GetHTTPClient() *http.Client {
	sharedClientLock.RLock() // Use RLock for initial check to allow concurrent reads.
	if !clientInitialized {
		sharedClientLock.RUnlock()
		// Defaults cannot fail to build.
		_ = InitHTTPClient(nil)
		sharedClientLock.RLock()
	}
	client := sharedClient
	sharedClientLock.RUnlock()
	return client
}
