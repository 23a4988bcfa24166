package irc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/proxy"
)

const dialTimeout = 30 * time.Second

// dialServer opens the TCP connection, through the SOCKS5 proxy when one
// is configured, and wraps it in TLS when use_tls is set.
func (c *Client) dialServer(ctx context.Context) (net.Conn, error) {
	base := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	if c.cfg.BindHost != "" {
		ip := net.ParseIP(c.cfg.BindHost)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind_host %q", c.cfg.BindHost)
		}
		base.LocalAddr = &net.TCPAddr{IP: ip}
	}

	var dialer proxy.ContextDialer = base
	if c.cfg.Proxy != "" {
		u, err := url.Parse(c.cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy URL: %w", err)
		}
		pd, err := proxy.FromURL(u, base)
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy %s cannot dial with a context", u.Scheme)
		}
		dialer = cd
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		return nil, err
	}
	if !c.cfg.UseTLS {
		return conn, nil
	}

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		conn.Close()
		return nil, err
	}
	tconn := tls.Client(conn, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := tconn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tconn, nil
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         c.cfg.Server,
		InsecureSkipVerify: !c.cfg.VerifyTLS,
		MinVersion:         tls.VersionTLS12,
	}
	if c.cfg.CACerts != "" {
		pem, err := os.ReadFile(c.cfg.CACerts)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca_certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.cfg.CACerts)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
