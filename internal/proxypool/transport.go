package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
)

const idleConnTimeout = 90 * time.Second

// Client builds an *http.Client whose connections go through ep.
// The client timeout is the endpoint's configured timeout. Every call builds a
// new transport; long-lived callers use a TransportCache instead.
func Client(ep model.ProxyEndpoint) (*http.Client, error) {
	transport, err := Transport(ep)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: transport,
		Timeout:   ep.Timeout,
	}, nil
}

// Transport builds the round tripper for ep's protocol.
func Transport(ep model.ProxyEndpoint) (*http.Transport, error) {
	switch ep.Protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS, "":
		return httpTransport(ep), nil
	case model.ProtocolSOCKS5:
		return socks5Transport(ep)
	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", ep.Protocol)
	}
}

func httpTransport(ep model.ProxyEndpoint) *http.Transport {
	scheme := string(ep.Protocol)
	if scheme == "" {
		scheme = string(model.ProtocolHTTP)
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   ep.Addr(),
	}
	if ep.Username != "" || ep.Password != "" {
		u.User = url.UserPassword(ep.Username, ep.Password)
	}

	return &http.Transport{
		Proxy: http.ProxyURL(u),
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       idleConnTimeout,
	}
}

func socks5Transport(ep model.ProxyEndpoint) (*http.Transport, error) {
	var auth *proxy.Auth
	if ep.Username != "" || ep.Password != "" {
		auth = &proxy.Auth{
			User:     ep.Username,
			Password: ep.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", ep.Addr(), auth, &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", ep.ID, err)
	}

	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return nil, errors.New("socks5 dialer does not support contexts")
	}

	return &http.Transport{
		DialContext:           dialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       idleConnTimeout,
	}, nil
}

// TransportCache keeps one transport per endpoint ID so keep-alive
// connections through a proxy are reused across calls.
type TransportCache struct {
	mu      sync.Mutex
	entries map[string]cachedTransport
}

type cachedTransport struct {
	route     string
	transport *http.Transport
}

// NewTransportCache creates an empty cache.
func NewTransportCache() *TransportCache {
	return &TransportCache{entries: make(map[string]cachedTransport)}
}

// Client returns a client for ep backed by the cached transport. A cached
// transport whose address, protocol or credentials no longer match ep is
// closed and rebuilt.
func (c *TransportCache) Client(ep model.ProxyEndpoint) (*http.Client, error) {
	tr, err := c.Transport(ep)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: tr,
		Timeout:   ep.Timeout,
	}, nil
}

// Transport returns the cached transport for ep, building it on first use.
func (c *TransportCache) Transport(ep model.ProxyEndpoint) (*http.Transport, error) {
	route := routeKey(ep)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[ep.ID]; ok {
		if e.route == route {
			return e.transport, nil
		}
		e.transport.CloseIdleConnections()
	}

	tr, err := Transport(ep)
	if err != nil {
		delete(c.entries, ep.ID)
		return nil, err
	}
	c.entries[ep.ID] = cachedTransport{route: route, transport: tr}
	return tr, nil
}

// Evict closes the idle connections of id's transport and forgets it.
func (c *TransportCache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		e.transport.CloseIdleConnections()
		delete(c.entries, id)
	}
}

// CloseIdle closes idle connections on every cached transport.
// The transports stay usable.
func (c *TransportCache) CloseIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		e.transport.CloseIdleConnections()
	}
}

// Len returns the number of cached transports.
func (c *TransportCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func routeKey(ep model.ProxyEndpoint) string {
	return string(ep.Protocol) + "|" + ep.Addr() + "|" + ep.Username + "|" + ep.Password
}
