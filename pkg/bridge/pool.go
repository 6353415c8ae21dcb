package bridge

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Pool is a shared HTTP connection resource. Whoever creates a Pool owns
// its lifetime.
type Pool interface {
	Client() *http.Client
	Close() error
}

// HTTPPool keeps idle keep-alive connections for one remote API.
type HTTPPool struct {
	transport *http.Transport
	client    *http.Client
	closed    atomic.Bool
	closes    atomic.Int32
}

// NewHTTPPool builds a pool whose requests time out after timeout. A
// zero timeout leaves long-poll requests unbounded.
func NewHTTPPool(timeout time.Duration) *HTTPPool {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &HTTPPool{
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (p *HTTPPool) Client() *http.Client { return p.client }

// Close drops idle connections. Only the first call does anything.
func (p *HTTPPool) Close() error {
	p.closes.Add(1)
	if p.closed.Swap(true) {
		return nil
	}
	p.transport.CloseIdleConnections()
	return nil
}

// Closed reports whether Close has been called.
func (p *HTTPPool) Closed() bool { return p.closed.Load() }

// CloseCalls counts Close invocations, including repeated ones.
func (p *HTTPPool) CloseCalls() int { return int(p.closes.Load()) }
