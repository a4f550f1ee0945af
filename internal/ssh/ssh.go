package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultTimeout = 30 * time.Second

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	// Retries is the number of extra dial attempts after the first.
	Retries int
	Backoff time.Duration
	Dialer  Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         timeout,
	}, nil
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.Backoff > 0 {
		eb.InitialInterval = c.Backoff
	}
	eb.MaxElapsedTime = 0
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Dial establishes an SSH connection, retrying with exponential backoff.
// Host key and authentication failures are not retried.
// The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.Timeout}
	}

	var cli *xssh.Client
	op := func() error {
		conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
		if err != nil {
			return err
		}
		// Bound the handshake by ctx as well as by the config timeout.
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
		sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
		if err == nil {
			_ = conn.SetDeadline(time.Time{})
		}
		if err != nil {
			_ = conn.Close()
			if isHandshakeRejection(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		cli = xssh.NewClient(sc, chans, reqs)
		return nil
	}
	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, err)
	}
	return cli, nil
}

func isHandshakeRejection(err error) bool {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	return errors.As(err, &keyErr) || errors.As(err, &revoked) ||
		strings.Contains(err.Error(), "unable to authenticate")
}
