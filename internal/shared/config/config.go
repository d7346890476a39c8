package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"storecrawl/internal/shared/types"
)

const sourceSectionPrefix = "source."

// DefaultMarker 出现在调度进程的启动参数中，控制面据此识别进程。带版本号，格式变化时递增。
const DefaultMarker = "--instance=storecrawl-scheduler/v1"

// 只支持整行注释，user_agent 与 accept_language 的值中含有 ';'
var loadOptions = ini.LoadOptions{IgnoreInlineComment: true}

// Load 读取 .env（可选）与 ini 配置文件，应用环境变量覆盖，返回校验后的配置。
func Load(iniPath, envPath string) (*types.Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	iniFile, err := ini.LoadSources(loadOptions, iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%s': %w", iniPath, err)
	}
	return fromIni(iniFile)
}

// LoadBytes 从内存中的 ini 内容构造配置，主要用于测试与嵌入式默认值。
func LoadBytes(data []byte) (*types.Config, error) {
	iniFile, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, err
	}
	return fromIni(iniFile)
}

func fromIni(iniFile *ini.File) (*types.Config, error) {
	cfg := defaults()
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, err
	}

	sources, err := loadSources(iniFile)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	overrideFromEnv(&cfg.StoreConf.DSN, "STORECRAWL_DSN")
	overrideFromEnv(&cfg.ServerConf.AdminUser, "STORECRAWL_ADMIN_USER")
	overrideFromEnv(&cfg.ServerConf.AdminPassword, "STORECRAWL_ADMIN_PASSWORD")
	overrideFromEnv(&cfg.ServerConf.JWTSecret, "STORECRAWL_JWT_SECRET")
	overrideFromEnv(&cfg.ServerConf.Listen, "STORECRAWL_LISTEN")
	overrideFromEnv(&cfg.LogConf.Level, "STORECRAWL_LOG_LEVEL")
	overrideFromEnvInt(&cfg.StoreConf.MaxConns, "STORECRAWL_MAX_CONNS")

	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *types.Config {
	return &types.Config{
		ServerConf: types.ServerConf{
			Listen:        "127.0.0.1:5000",
			AdminUser:     "admin",
			AdminPassword: "password123",
			TokenTTLHours: 24,
		},
		LogConf:   types.LogConf{Level: "info", File: "scraper.log"},
		StoreConf: types.StoreConf{Driver: "postgres", MaxConns: 32},
		SchedulerConf: types.SchedulerConf{
			Marker:             DefaultMarker,
			BackoffSeconds:     60,
			StopTimeoutSeconds: 5,
		},
		ProxyConf: types.ProxyConf{
			File:           "proxies.txt",
			Retries:        3,
			TimeoutSeconds: 30,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/110.0.0.0 Safari/537.36",
			AcceptLanguage: "en-US,en;q=0.9",
		},
		CrawlConf: types.CrawlConf{
			ItemAttempts:      3,
			PriceAttempts:     3,
			MaxBackoffSeconds: 30,
			ResetStaging:      true,
			ListParallelism:   16,
		},
	}
}

// loadSources 读取所有 [source.<name>] 段，按 order 排序。
func loadSources(iniFile *ini.File) ([]types.SourceConf, error) {
	var sources []types.SourceConf
	for _, sec := range iniFile.Sections() {
		if !strings.HasPrefix(sec.Name(), sourceSectionPrefix) {
			continue
		}
		name := strings.TrimPrefix(sec.Name(), sourceSectionPrefix)
		if name == "" {
			return nil, fmt.Errorf("source section without a name")
		}
		if !sec.Key("enabled").MustBool(true) {
			continue
		}

		src := types.SourceConf{
			Name:     name,
			Order:    sec.Key("order").MustInt(len(sources)),
			Interval: time.Duration(sec.Key("interval").MustInt(10)) * time.Second,
			Workers:  sec.Key("workers").MustInt(10),
		}
		if sec.HasKey("regions") {
			src.Regions = sec.Key("regions").Strings(",")
		}
		sources = append(sources, src)
	}

	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Order != sources[j].Order {
			return sources[i].Order < sources[j].Order
		}
		return sources[i].Name < sources[j].Name
	})
	return sources, nil
}

func validate(cfg *types.Config) error {
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("no enabled [source.*] sections in config")
	}
	for _, s := range cfg.Sources {
		if s.Workers < 1 {
			return fmt.Errorf("source %s: workers must be >= 1, got %d", s.Name, s.Workers)
		}
		if s.Interval < 0 {
			return fmt.Errorf("source %s: interval must not be negative", s.Name)
		}
	}
	if cfg.Marker == "" {
		return fmt.Errorf("scheduler marker must not be empty")
	}
	switch cfg.Driver {
	case "postgres":
		if cfg.DSN == "" {
			return fmt.Errorf("store dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver '%s'", cfg.Driver)
	}
	if cfg.ItemAttempts < 1 || cfg.PriceAttempts < 1 {
		return fmt.Errorf("crawl attempts must be >= 1")
	}
	return nil
}

func overrideFromEnv(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
