package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/proxy"

	"storecrawl/internal/shared/logger"
	"storecrawl/proxypool/model"
)

const maxBodyBytes = 16 << 20

var (
	// ErrBlocked 表示对端拒绝了请求（403/429 等反爬响应）。
	ErrBlocked = errors.New("request blocked by remote")
	// ErrNotFound 表示资源不存在（404）。
	ErrNotFound = errors.New("resource not found")
)

// StatusError 是非 2xx 响应。
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Is 让 errors.Is(err, ErrBlocked) / errors.Is(err, ErrNotFound) 对状态码生效。
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrBlocked:
		return e.Code == http.StatusForbidden || e.Code == http.StatusTooManyRequests
	case ErrNotFound:
		return e.Code == http.StatusNotFound || e.Code == http.StatusGone
	}
	return false
}

// Options 会话参数
type Options struct {
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	Retries        int // 传输层总尝试次数
	Headers        http.Header
}

// Session 绑定一个代理（或直连），附带标准请求头和有界的传输层重试。
type Session struct {
	client  *http.Client
	proxy   *model.Proxy
	headers http.Header
	retries int
}

// New 创建一个会话。p 为 nil 时使用直连。
func New(p *model.Proxy, opts Options) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}

	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if p != nil {
		if p.IsSocks() {
			var auth *proxy.Auth
			if p.Username != "" {
				auth = &proxy.Auth{User: p.Username, Password: p.Password}
			}
			socks, err := proxy.SOCKS5("tcp", p.Addr(), auth, dialer)
			if err != nil {
				return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", p.ID, err)
			}
			cd, ok := socks.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", p.ID)
			}
			transport.DialContext = cd.DialContext
		} else {
			transport.Proxy = http.ProxyURL(p.URL())
		}
	}

	headers := http.Header{}
	if opts.UserAgent != "" {
		headers.Set("User-Agent", opts.UserAgent)
	}
	if opts.AcceptLanguage != "" {
		headers.Set("Accept-Language", opts.AcceptLanguage)
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	return &Session{
		client:  &http.Client{Transport: transport, Timeout: opts.Timeout},
		proxy:   p,
		headers: headers,
		retries: opts.Retries,
	}, nil
}

// Proxy 返回会话绑定的代理，直连时为 nil。
func (s *Session) Proxy() *model.Proxy { return s.proxy }

func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// Get 发起 GET 请求并返回响应体。传输错误和 5xx 会在本层有界重试；
// 4xx 直接返回 *StatusError。
func (s *Session) Get(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	attempt := 0

	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range s.headers {
			req.Header[k] = vs
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &StatusError{URL: rawURL, Code: resp.StatusCode}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&StatusError{URL: rawURL, Code: resp.StatusCode})
		}
		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.retries-1)), ctx)

	notify := func(err error, wait time.Duration) {
		l := logger.WithComponent("ProxyPool/Session")
		l.Debug().Err(err).Str("url", rawURL).Int("attempt", attempt).Dur("wait", wait).Msg("Transport error, retrying.")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// GetJSON 请求 rawURL 并把响应解码到 v。
func (s *Session) GetJSON(ctx context.Context, rawURL string, v any) error {
	data, err := s.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json from %s: %w", rawURL, err)
	}
	return nil
}

// GetDocument 请求 rawURL 并解析为 goquery 文档。
func (s *Session) GetDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	data, err := s.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html from %s: %w", rawURL, err)
	}
	return doc, nil
}

// Retryable 判断一个错误是否值得在上层换代理重试：被拦截、5xx 或网络错误。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrBlocked) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
