package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/warpgate/warpgate/internal/infrastructure/auth"
	"github.com/warpgate/warpgate/pkg/errors"
)

// quotaMarkers identify the upstream's quota-exhaustion 429 body.
var quotaMarkers = []string{"No remaining quota", "No AI requests remaining"}

// HTTPError carries a non-200 upstream status so callers can surface it
// verbatim.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return "upstream HTTP " + strconv.Itoa(e.Status) + ": " + e.Body
}

// Client 上游 AI 接口客户端
// HTTP/2 transport with the fixed client identity headers. Streams are
// returned raw; callers wrap them in a FrameReader.
type Client struct {
	logger *zap.Logger
	url    string
	auth   *auth.Manager
	client *http.Client
}

func NewClient(url string, insecureTLS bool, authMgr *auth.Manager, logger *zap.Logger) (*Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecureTLS {
		logger.Warn("TLS verification disabled for upstream client")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "enabling HTTP/2 failed", err)
	}
	return &Client{
		logger: logger,
		url:    url,
		auth:   authMgr,
		client: &http.Client{Transport: transport},
	}, nil
}

// Stream posts a serialized request and returns the upstream SSE body.
// Up to two attempts: a first-attempt quota 429 triggers anonymous token
// acquisition and one retry. Other non-200s surface as HTTPError.
func (c *Client) Stream(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	jwt, err := c.auth.GetValidJWT(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		c.logger.Info("sending request upstream",
			zap.Int("bytes", len(payload)),
			zap.Int("attempt", attempt+1))

		resp, err := c.post(ctx, payload, jwt)
		if err != nil {
			return nil, errors.Wrap(errors.CodeUpstreamTransport, "upstream request failed", err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		text := string(body)

		if attempt == 0 && resp.StatusCode == http.StatusTooManyRequests && isQuotaExhausted(text) {
			c.logger.Warn("upstream quota exhausted, acquiring anonymous token")
			newJWT, anonErr := c.auth.AcquireAnonymousAccessToken(ctx)
			if anonErr != nil {
				c.logger.Error("anonymous token acquisition failed", zap.Error(anonErr))
				return nil, &HTTPError{Status: resp.StatusCode, Body: text}
			}
			jwt = newJWT
			continue
		}

		c.logger.Error("upstream HTTP error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", text))
		return nil, &HTTPError{Status: resp.StatusCode, Body: text}
	}
	return nil, errors.New(errors.CodeQuotaExhausted, "upstream retry exhausted")
}

func (c *Client) post(ctx context.Context, payload []byte, jwt string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "text/event-stream")
	req.Header.Set("content-type", "application/x-protobuf")
	req.Header.Set("authorization", "Bearer "+jwt)
	req.Header.Set("x-warp-client-version", auth.ClientVersion)
	req.Header.Set("x-warp-os-category", auth.OSCategory)
	req.Header.Set("x-warp-os-name", auth.OSName)
	req.Header.Set("x-warp-os-version", auth.OSVersion)
	req.ContentLength = int64(len(payload))
	return c.client.Do(req)
}

func isQuotaExhausted(body string) bool {
	for _, marker := range quotaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}
