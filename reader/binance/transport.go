package binance

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	appconfig "bookmirror/config"
)

const exchangeName = "binance"

// newHTTPClient builds the pooled REST client, bound to localIP when set.
func newHTTPClient(cfg appconfig.BinanceSourceConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	if dialer := localDialer(cfg.LocalIP); dialer != nil {
		transport.DialContext = dialer.DialContext
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}
}

// newWSDialer builds the websocket dialer, bound to localIP when set.
func newWSDialer(cfg appconfig.BinanceSourceConfig) *websocket.Dialer {
	dialer := &websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	if d := localDialer(cfg.LocalIP); d != nil {
		dialer.NetDialContext = d.DialContext
	}
	return dialer
}

func localDialer(localIP string) *net.Dialer {
	if localIP == "" {
		return nil
	}
	ip := net.ParseIP(localIP)
	if ip == nil {
		return nil
	}
	return &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
}

func newBackoff(cfg appconfig.ReconnectConfig) *backoff.Backoff {
	b := &backoff.Backoff{
		Min:    cfg.MinDelay,
		Max:    cfg.MaxDelay,
		Factor: cfg.Factor,
		Jitter: true,
	}
	if b.Min <= 0 {
		b.Min = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	return b
}

// sleepCtx waits d or until ctx is done, reporting whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
