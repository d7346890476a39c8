package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"storecrawl/internal/shared/logger"
	"storecrawl/proxypool/model"
)

// Options 无头浏览器参数
type Options struct {
	Bin         string // 浏览器可执行文件，空串时由 launcher 自动查找或下载
	PageTimeout time.Duration
	UserAgent   string
}

// Browser 是一个由本进程启动的无头 Chromium 实例，绑定一个代理（或直连）。
// 浏览器是本进程的子进程，停止调度进程时会被一并终止。
type Browser struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	opts     Options
}

// Launch 启动浏览器并建立 CDP 连接。
func Launch(ctx context.Context, p *model.Proxy, opts Options) (*Browser, error) {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 60 * time.Second
	}

	l := launcher.New().
		Context(ctx).
		Headless(true).
		NoSandbox(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if p != nil {
		l = l.Proxy(p.Scheme + "://" + p.Addr())
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	if p != nil && p.Username != "" {
		go func() {
			_ = b.HandleAuth(p.Username, p.Password)()
		}()
	}

	bl := logger.WithComponent("Source/Browser")
	bl.Debug().Int("pid", l.PID()).Msg("Browser launched.")
	return &Browser{launcher: l, browser: b, opts: opts}, nil
}

// Close 关闭连接并结束浏览器进程。
func (b *Browser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	return err
}

// Render 打开 url，等待加载完成，执行可选的 prepare 步骤后返回渲染后的 DOM。
func (b *Browser) Render(ctx context.Context, url string, prepare func(*rod.Page) error) (*goquery.Document, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("create page failed: %w", err)
	}
	defer page.Close()

	page = page.Timeout(b.opts.PageTimeout)
	if b.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.opts.UserAgent}); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	if prepare != nil {
		if err := prepare(page); err != nil {
			return nil, err
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// ClickUntilGone 反复点击 xpath 匹配的按钮，直到它在 wait 内不再出现，返回点击次数。
func ClickUntilGone(page *rod.Page, xpath string, wait time.Duration, maxClicks int) (int, error) {
	clicks := 0
	for maxClicks <= 0 || clicks < maxClicks {
		el, err := page.Timeout(wait).ElementX(xpath)
		if err != nil {
			// 超时即按钮已消失
			if errors.Is(err, context.DeadlineExceeded) {
				return clicks, nil
			}
			var notFound *rod.ElementNotFoundError
			if errors.As(err, &notFound) {
				return clicks, nil
			}
			return clicks, err
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return clicks, fmt.Errorf("click load more: %w", err)
		}
		clicks++
		if clicks%50 == 0 {
			l := logger.WithComponent("Source/Browser")
			l.Info().Int("clicks", clicks).Msg("Load more clicked.")
		}
	}
	return clicks, nil
}

// Search 在最后一个匹配 inputSel 的输入框中输入 term 并回车，等待 resultSel 出现。
// 结果未出现时返回 (false, nil)。
func Search(page *rod.Page, inputSel, resultSel, term string, wait time.Duration) (bool, error) {
	p := page.Timeout(wait)
	if _, err := p.Element(inputSel); err != nil {
		return false, nil
	}
	inputs, err := p.Elements(inputSel)
	if err != nil || len(inputs) == 0 {
		return false, nil
	}
	box := inputs.Last()
	if err := box.Input(term); err != nil {
		return false, fmt.Errorf("type search term: %w", err)
	}
	if err := box.Type(input.Enter); err != nil {
		return false, fmt.Errorf("submit search: %w", err)
	}
	if _, err := p.Element(resultSel); err != nil {
		return false, nil
	}
	return true, nil
}
