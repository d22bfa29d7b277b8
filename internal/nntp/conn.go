// Package nntp implements the authenticated connection pool: one
// semaphore-gated set of lazily-dialed sessions per configured server,
// with capability probing and classified article errors.
package nntp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/nzbcore/gonzbd/internal/config"
)

// ArticleErrorKind classifies why an article fetch failed.
type ArticleErrorKind string

const (
	ArticleNotFound      ArticleErrorKind = "NotFound"
	ArticleAuthFailed    ArticleErrorKind = "AuthFailed"
	ArticleRateLimited   ArticleErrorKind = "RateLimited"
	ArticleTransportErr  ArticleErrorKind = "TransportError"
	ArticleTimeout       ArticleErrorKind = "Timeout"
)

type ArticleError struct {
	Kind ArticleErrorKind
	Err  error
}

func (e *ArticleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ArticleError) Unwrap() error { return e.Err }

func newArticleErr(kind ArticleErrorKind, err error) *ArticleError {
	return &ArticleError{Kind: kind, Err: err}
}

// IsArticleErrorKind reports whether err classifies as the given kind.
func IsArticleErrorKind(err error, kind ArticleErrorKind) bool {
	var ae *ArticleError
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// conn is one authenticated session against a single server.
type conn struct {
	cfg  config.ServerConfig
	text *textproto.Conn
	raw  net.Conn
}

func dial(cfg config.ServerConfig) (*conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var raw net.Conn
	var err error
	if cfg.TLS {
		raw, err = tls.DialWithDialer(&net.Dialer{Timeout: 15 * time.Second}, "tcp", addr, &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		raw, err = net.DialTimeout("tcp", addr, 15*time.Second)
	}
	if err != nil {
		return nil, newArticleErr(ArticleTransportErr, err)
	}

	text := textproto.NewConn(raw)

	if _, _, err := text.ReadCodeLine(200); err != nil {
		if _, _, err2 := text.ReadCodeLine(201); err2 != nil {
			text.Close()
			return nil, newArticleErr(ArticleTransportErr, err)
		}
	}

	c := &conn{cfg: cfg, text: text, raw: raw}
	if err := c.authenticate(); err != nil {
		text.Close()
		return nil, err
	}
	return c, nil
}

func (c *conn) authenticate() error {
	if c.cfg.Username == "" {
		return nil
	}

	if _, err := c.text.Cmd("AUTHINFO USER %s", c.cfg.Username); err != nil {
		return newArticleErr(ArticleTransportErr, err)
	}
	code, _, err := c.text.ReadCodeLine(381)
	if err != nil {
		if code == 281 {
			return nil
		}
		return newArticleErr(ArticleAuthFailed, err)
	}

	if _, err := c.text.Cmd("AUTHINFO PASS %s", c.cfg.Password); err != nil {
		return newArticleErr(ArticleTransportErr, err)
	}
	if _, _, err := c.text.ReadCodeLine(281); err != nil {
		return newArticleErr(ArticleAuthFailed, err)
	}
	return nil
}

// probeCapabilities issues CAPABILITIES and records whether the server
// advertises compression and pipelining.
func (c *conn) probeCapabilities() (compressGzip bool, pipeline bool) {
	id, err := c.text.Cmd("CAPABILITIES")
	if err != nil {
		return false, false
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	_, _, err = c.text.ReadCodeLine(101)
	if err != nil {
		return false, false
	}
	lines, err := c.text.ReadDotLines()
	if err != nil {
		return false, false
	}
	for _, line := range lines {
		up := strings.ToUpper(strings.TrimSpace(line))
		if strings.HasPrefix(up, "COMPRESS") && strings.Contains(up, "GZIP") {
			compressGzip = true
		}
		if up == "PIPELINING" {
			pipeline = true
		}
	}
	return compressGzip, pipeline
}

// fetchArticle issues BODY <message-id> and returns the raw dot-stuffed
// body as bytes (already unstuffed by textproto.DotReader).
func (c *conn) fetchArticle(ctx context.Context, messageID string) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.raw.SetDeadline(deadline)
		defer c.raw.SetDeadline(time.Time{})
	}

	wire := messageID
	if !strings.HasPrefix(wire, "<") {
		wire = "<" + wire + ">"
	}

	if _, err := c.text.Cmd("BODY %s", wire); err != nil {
		return nil, classifyTransportErr(err)
	}

	code, msg, err := c.text.ReadCodeLine(222)
	if err != nil {
		switch {
		case code == 430:
			return nil, newArticleErr(ArticleNotFound, errors.New(msg))
		case code == 480 || code == 481 || code == 502:
			return nil, newArticleErr(ArticleAuthFailed, errors.New(msg))
		case code == 400 || code == 503:
			return nil, newArticleErr(ArticleRateLimited, errors.New(msg))
		default:
			return nil, classifyTransportErr(err)
		}
	}

	data, err := c.text.ReadDotBytes()
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return data, nil
}

func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newArticleErr(ArticleTimeout, err)
	}
	return newArticleErr(ArticleTransportErr, err)
}

func (c *conn) close() {
	if c.text != nil {
		c.text.Cmd("QUIT")
		c.text.Close()
	}
}
