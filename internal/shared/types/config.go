package types

import "time"

// ServerConf 控制面 HTTP 服务的配置
type ServerConf struct {
	Listen        string `ini:"listen"`
	AdminUser     string `ini:"admin_user"`
	AdminPassword string `ini:"admin_password"`
	JWTSecret     string `ini:"jwt_secret"`
	TokenTTLHours int    `ini:"token_ttl_hours"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	File  string `ini:"file"`
}

// StoreConf 文档存储的连接目标
type StoreConf struct {
	Driver   string `ini:"driver"` // "postgres" 或 "memory"
	DSN      string `ini:"dsn"`
	MaxConns int    `ini:"max_conns"`
}

// SchedulerConf 调度进程与控制面共享的配置
type SchedulerConf struct {
	Marker             string `ini:"marker"`
	BackoffSeconds     int    `ini:"backoff_seconds"`
	StopTimeoutSeconds int    `ini:"stop_timeout_seconds"`
	MetricsAddr        string `ini:"metrics_addr"`
}

// ProxyConf 静态代理池配置
type ProxyConf struct {
	File           string `ini:"file"`
	Retries        int    `ini:"retries"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	UserAgent      string `ini:"user_agent"`
	AcceptLanguage string `ini:"accept_language"`
}

// CrawlConf 作业运行期的重试与发布策略
type CrawlConf struct {
	ItemAttempts      int  `ini:"item_attempts"`
	PriceAttempts     int  `ini:"price_attempts"`
	MaxBackoffSeconds int  `ini:"max_backoff_seconds"`
	AllowEmptyPublish bool `ini:"allow_empty_publish"`
	ResetStaging      bool `ini:"reset_staging"`
	ListParallelism   int  `ini:"list_parallelism"`
}

// SourceConf 描述一个被调度的平台。它在启动时加载，之后不可变。
type SourceConf struct {
	Name     string
	Order    int
	Interval time.Duration
	Workers  int
	Regions  []string
}

// Collection 返回该平台 Live 数据集的集合名
func (s SourceConf) Collection() string {
	return s.Name + "_games"
}

// Config 是整个进程唯一的配置对象，构造一次后显式传入各组件
type Config struct {
	ServerConf    `ini:"server"`
	LogConf       `ini:"log"`
	StoreConf     `ini:"store"`
	SchedulerConf `ini:"scheduler"`
	ProxyConf     `ini:"proxy"`
	CrawlConf     `ini:"crawl"`

	// Sources 按调度顺序排列
	Sources []SourceConf `ini:"-"`
}

// Source 按名称查找一个平台配置
func (c *Config) Source(name string) (SourceConf, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConf{}, false
}

func (c *Config) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}
