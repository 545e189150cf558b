// Package httpclient wraps a pooled fasthttp client for upstream REST calls.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const (
	defaultReadBufferSize  = 4096 * 8
	defaultWriteBufferSize = 4096 * 8
	defaultMaxConnsPerHost = 64
	defaultMaxRedirects    = 3
)

var (
	DefaultTimeout             = 10 * time.Second
	DefaultMaxIdleConnDuration = 90 * time.Second
)

// RespHandler receives the response body. The slice is only valid during the call.
type RespHandler func(status int, body []byte) error

type Client struct {
	client    *fasthttp.Client
	timeout   time.Duration
	userAgent string
	logger    *logrus.Entry
}

func New(timeout time.Duration, logger *logrus.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &fasthttp.Client{
		NoDefaultUserAgentHeader: true,
		MaxConnsPerHost:          defaultMaxConnsPerHost,
		MaxIdleConnDuration:      DefaultMaxIdleConnDuration,
		ReadTimeout:              timeout,
		WriteTimeout:             timeout,
		TLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
		ReadBufferSize:  defaultReadBufferSize,
		WriteBufferSize: defaultWriteBufferSize,
	}
	return &Client{
		client:    client,
		timeout:   timeout,
		userAgent: "depthview/1.0",
		logger:    logger.WithField("component", "httpclient"),
	}
}

// Get issues a GET request and hands the response to handler before the buffers are released.
// The request deadline is the earlier of the client timeout and the context deadline.
func (c *Client) Get(ctx context.Context, url string, handler RespHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	req.Header.SetUserAgent(c.userAgent)
	req.SetRequestURI(url)

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	started := time.Now()
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		c.logger.WithError(err).WithField("url", redact(url)).Warn("request failed")
		return fmt.Errorf("get %s: %w", redact(url), err)
	}

	status := resp.StatusCode()
	c.logger.WithFields(logrus.Fields{
		"url":         redact(url),
		"status":      status,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("request completed")

	if handler == nil {
		return nil
	}
	return handler(status, resp.Body())
}
