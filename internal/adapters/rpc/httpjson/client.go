// Package httpjson: реализация harvest.Transport поверх HTTP с JSON-телами.
//
// Каждая операция: POST {base}/{operation} с аргументами в теле. Ответ 2xx
// разбирается как конверт: непустое поле "error" означает ошибку уровня
// платформы (HasError/ErrorCode), иначе всё тело отдаётся на разбор вызывающему.
// Ответ 429 считается сигналом троттлинга платформы. Все вызовы проходят через
// общий token bucket: это верхняя граница частоты поверх темпа по операциям.
package httpjson

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"energy-harvester/internal/domain/harvest"
)

// defaultTimeout: таймаут HTTP-клиента.
const defaultTimeout = 30 * time.Second

// maxBody: предел размера тела ответа.
const maxBody = 4 << 20

// Options: параметры клиента.
type Options struct {
	BaseURL string
	// RPS: общий потолок запросов в секунду; 0 отключает ограничение.
	RPS float64
	// ThrottleCode: код, который подставляется в ответ 429.
	ThrottleCode string
	Timeout      time.Duration
	Headers      map[string]string
	HTTPClient   *http.Client
}

// Client реализует harvest.Transport.
type Client struct {
	base         string
	client       *http.Client
	limiter      *rate.Limiter
	throttleCode string
	headers      map[string]string
}

var _ harvest.Transport = (*Client)(nil)

// New создаёт клиент.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("httpjson: empty base url")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPS > 0 {
		burst := max(int(opts.RPS), 1)
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		base:         base,
		client:       hc,
		limiter:      limiter,
		throttleCode: opts.ThrottleCode,
		headers:      opts.Headers,
	}, nil
}

type envelope struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Call выполняет операцию.
func (c *Client) Call(ctx context.Context, req harvest.Request) (*harvest.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}

	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s args", req.Operation)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+req.Operation, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", req.Operation)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", req.Operation)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &harvest.Response{HasError: true, ErrorCode: c.throttleCode, Body: body}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s: http %d: %s", req.Operation, resp.StatusCode, snippet(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		return &harvest.Response{HasError: true, ErrorCode: env.Error, Body: body}, nil
	}
	return &harvest.Response{Body: body}, nil
}

// snippet: начало тела для сообщений об ошибке.
func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "…"
	}
	return s
}
