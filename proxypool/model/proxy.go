package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Proxy 定义了一个出口代理端点，是代理池模块的核心数据结构。
// 它从代理列表文件加载，一行一个，格式为 [scheme://][user:pass@]host:port。
type Proxy struct {
	ID       string `json:"id"`     // 唯一ID, 使用 "host:port"
	Scheme   string `json:"scheme"` // "http" 或 "socks5"
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	// 验证结果，仅由 Validator 写入
	Latency     time.Duration `json:"latency"` // 0 表示测试失败或未测试
	LastChecked time.Time     `json:"last_checked"`
	Healthy     bool          `json:"healthy"`
}

// Parse 解析代理列表中的一行。缺省 scheme 为 http。
func Parse(line string) (*Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty proxy line")
	}
	if !strings.Contains(line, "://") {
		line = "http://" + line
	}

	u, err := url.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy '%s': %w", line, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme '%s'", u.Scheme)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address '%s': %w", u.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid proxy port '%s'", portStr)
	}

	p := &Proxy{
		ID:     net.JoinHostPort(host, portStr),
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// Addr 返回 host:port
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// IsSocks reports whether the endpoint speaks SOCKS5.
func (p *Proxy) IsSocks() bool {
	return strings.HasPrefix(p.Scheme, "socks5")
}

// URL 返回完整的代理 URL（含认证信息），供 http.Transport 与 colly 使用。
func (p *Proxy) URL() *url.URL {
	u := &url.URL{Scheme: p.Scheme, Host: p.Addr()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (p *Proxy) String() string {
	return p.Scheme + "://" + p.Addr()
}
