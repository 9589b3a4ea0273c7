package http2

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

type ClientOpts struct {
	// OnRTT is assigned to every connection after creation, and the handler
	// will be called after every RTT measurement (after receiving a PONG message).
	OnRTT func(time.Duration)

	// PingInterval defines the interval in which the client will ping the server.
	PingInterval time.Duration
}

func configureDialer(d *Dialer) {
	if d.TLSConfig == nil {
		d.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		}
	}

	tlsConfig := d.TLSConfig

	emptyServerName := len(tlsConfig.ServerName) == 0
	if emptyServerName {
		host, _, err := net.SplitHostPort(d.Addr)
		if err != nil {
			host = d.Addr
		}

		tlsConfig.ServerName = host
	}

	tlsConfig.NextProtos = append(tlsConfig.NextProtos, "h2")
}

// ConfigureClient configures the fasthttp.HostClient to run over HTTP/2,
// replacing its Transport with one that dials and speaks HTTP/2 to c.Addr.
func ConfigureClient(c *fasthttp.HostClient, opts ClientOpts) error {
	emptyServerName := c.TLSConfig != nil && len(c.TLSConfig.ServerName) == 0

	d := &Dialer{
		Addr:         c.Addr,
		TLSConfig:    c.TLSConfig,
		PingInterval: opts.PingInterval,
	}

	nc, err := d.Dial(ConnOpts{PingInterval: opts.PingInterval, OnRTT: opts.OnRTT})
	if err != nil {
		if errors.Is(err, ErrServerSupport) && c.TLSConfig != nil { // remove added config settings
			for i := range c.TLSConfig.NextProtos {
				if c.TLSConfig.NextProtos[i] == "h2" {
					c.TLSConfig.NextProtos = append(c.TLSConfig.NextProtos[:i], c.TLSConfig.NextProtos[i+1:]...)
				}
			}

			if emptyServerName {
				c.TLSConfig.ServerName = ""
			}
		}

		return err
	}

	c.IsTLS = true
	c.TLSConfig = d.TLSConfig

	cl := &client{d: d, opts: opts}
	cl.conns = append(cl.conns, nc)
	nc.SetOnDisconnect(cl.onDisconnect)

	c.Transport = cl

	return nil
}

// client pools the HTTP/2 connections opened for a single fasthttp.HostClient.
type client struct {
	d    *Dialer
	opts ClientOpts

	mu    sync.Mutex
	conns []*Conn
}

func (cl *client) onDisconnect(c *Conn) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for i := range cl.conns {
		if cl.conns[i] == c {
			cl.conns = append(cl.conns[:i], cl.conns[i+1:]...)
			break
		}
	}
}

func (cl *client) acquireConn() (*Conn, error) {
	cl.mu.Lock()
	for _, c := range cl.conns {
		if !c.Closed() && c.CanOpenStream() {
			cl.mu.Unlock()
			return c, nil
		}
	}
	cl.mu.Unlock()

	nc, err := cl.d.Dial(ConnOpts{PingInterval: cl.opts.PingInterval, OnRTT: cl.opts.OnRTT})
	if err != nil {
		return nil, err
	}

	nc.SetOnDisconnect(cl.onDisconnect)

	cl.mu.Lock()
	cl.conns = append(cl.conns, nc)
	cl.mu.Unlock()

	return nc, nil
}

// RoundTrip implements fasthttp.RoundTripper: it sends req over a pooled
// HTTP/2 connection and waits for the matching response.
func (cl *client) RoundTrip(hc *fasthttp.HostClient, req *fasthttp.Request, res *fasthttp.Response) (bool, error) {
	c, err := cl.acquireConn()
	if err != nil {
		return false, err
	}

	ctx := AcquireCtx(req, res)
	c.Write(ctx)

	return false, <-ctx.Err
}
