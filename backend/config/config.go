package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// NodeID 为空时 hub 自己生成
		NodeID string `mapstructure:"node_id"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret    string        `mapstructure:"secret"`
		AccessTTL time.Duration `mapstructure:"access_ttl"`
	} `mapstructure:"auth"`
	Collab struct {
		SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
		PresenceTTL      time.Duration `mapstructure:"presence_ttl"`
		AllowedOrigins   []string      `mapstructure:"allowed_origins"`
		MaxConcurrent    int           `mapstructure:"max_concurrent"`
	} `mapstructure:"collab"`
	Follow struct {
		ScrollThrottle   time.Duration `mapstructure:"scroll_throttle"`
		PingDedupeWindow time.Duration `mapstructure:"ping_dedupe_window"`
		PingTimeout      time.Duration `mapstructure:"ping_timeout"`
		ScrollCooldown   time.Duration `mapstructure:"scroll_cooldown"`
	} `mapstructure:"follow"`
	Editor struct {
		DefaultDraft            bool          `mapstructure:"default_draft"`
		CollapseDraftParagraphs bool          `mapstructure:"collapse_draft_paragraphs"`
		UndoCaptureTimeout      time.Duration `mapstructure:"undo_capture_timeout"`
	} `mapstructure:"editor"`
}

const EnvPrefix = "COLLAB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.node_id", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access_ttl", 2*time.Hour)
	v.SetDefault("collab.snapshot_interval", 5*time.Second)
	v.SetDefault("collab.presence_ttl", 60*time.Second)
	v.SetDefault("collab.allowed_origins", []string{})
	v.SetDefault("collab.max_concurrent", 100)
	v.SetDefault("follow.scroll_throttle", 100*time.Millisecond)
	v.SetDefault("follow.ping_dedupe_window", 5*time.Second)
	v.SetDefault("follow.ping_timeout", 15*time.Second)
	v.SetDefault("follow.scroll_cooldown", time.Second)
	v.SetDefault("editor.default_draft", true)
	v.SetDefault("editor.collapse_draft_paragraphs", false)
	v.SetDefault("editor.undo_capture_timeout", 500*time.Millisecond)
}

// New 返回带默认值、搜索路径和环境变量前缀的 viper。
// 不传 paths 时兼容从项目根目录或 backend 目录启动
func New(name string, paths ...string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	// COLLAB_FOLLOW_PING_TIMEOUT=20s 覆盖 follow.ping_timeout
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read 读取配置文件并解析。找不到文件时只用默认值和环境变量
func Read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func Load(name string, paths ...string) (*Config, error) {
	return Read(New(name, paths...))
}
