package validator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"storecrawl/internal/shared/logger"
	"storecrawl/proxypool/model"
)

// DefaultTarget 是探测用的目标，使用一个需要 TLS 的商店域名。
const DefaultTarget = "store.steampowered.com:443"

type Validator struct {
	timeout     time.Duration
	concurrency int
	target      string
}

func NewValidator(timeout time.Duration, concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Validator{
		timeout:     timeout,
		concurrency: concurrency,
		target:      DefaultTarget,
	}
}

// WithTarget 更换探测目标（host:port）。
func (v *Validator) WithTarget(target string) *Validator {
	v.target = target
	return v
}

// Validate 并发探测，结果顺序与输入一致；每个代理的 Healthy/Latency/LastChecked 被更新。
func (v *Validator) Validate(ctx context.Context, proxies []*model.Proxy) []*model.Proxy {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(proxies) == 0 {
		return proxies
	}

	l.Info().Int("count", len(proxies)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, v.concurrency)

	for _, p := range proxies {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}

		go func(p *model.Proxy) {
			defer wg.Done()
			defer func() { <-semaphore }()

			v.validateSingleProxy(ctx, p)
		}(p)
	}

	wg.Wait()
	l.Info().Msg("Validation batch finished.")
	return proxies
}

func (v *Validator) validateSingleProxy(ctx context.Context, p *model.Proxy) {
	startTime := time.Now()
	var err error
	if p.IsSocks() {
		err = v.checkSocks5Connect(ctx, p)
	} else {
		err = v.checkHttpConnect(ctx, p)
	}

	p.LastChecked = time.Now()
	if err != nil {
		p.Healthy = false
		p.Latency = 0
		l := logger.WithComponent("ProxyPool/Validator")
		l.Debug().Str("proxy_id", p.ID).Err(err).Msg("Proxy failed validation.")
		return
	}
	p.Healthy = true
	p.Latency = time.Since(startTime)
}

// checkHttpConnect validates a proxy by sending a HEAD request through it.
func (v *Validator) checkHttpConnect(ctx context.Context, p *model.Proxy) error {
	dialer := &net.Dialer{
		Timeout:   v.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(p.URL()),
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       v.timeout,
		TLSHandshakeTimeout:   v.timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://"+v.target, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return nil
}

// checkSocks5Connect validates a proxy by attempting a SOCKS5 connection.
func (v *Validator) checkSocks5Connect(ctx context.Context, p *model.Proxy) error {
	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{Timeout: v.timeout})
	if err != nil {
		return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, "tcp", v.target)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
