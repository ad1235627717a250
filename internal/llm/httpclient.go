package llm

import (
	"net"
	"net/http"
	"time"
)

// Connection behavior shared by all provider adapters. Streams stay open far
// longer than any blocking call, so the client itself carries no overall
// timeout; blocking calls get theirs from the router's context deadline.
const (
	ConnectTimeout = 10 * time.Second
	ReadTimeout    = 45 * time.Second

	maxIdleConns        = 100
	maxIdleConnsPerHost = 20
)

// NewHTTPClient builds the pooled HTTP client every adapter shares.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   ConnectTimeout,
			ResponseHeaderTimeout: ReadTimeout,
		},
	}
}
