// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// EnvPrefix 是覆盖配置项的环境变量前缀，例如 RAGCHAT_BACKEND_BASE_URL。
const EnvPrefix = "RAGCHAT"

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Log       LogConfig       `mapstructure:"log"`
	DevServer DevServerConfig `mapstructure:"devserver"`
}

// BackendConfig 存储后端地址与超时设置。
type BackendConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIPrefix         string        `mapstructure:"api_prefix"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`
	// Transport 为增量模式选择 http（逐行读取响应体）或 websocket。
	Transport string `mapstructure:"transport"`
}

// APIBase 返回带 API 前缀的根地址。
func (b BackendConfig) APIBase() string {
	return strings.TrimRight(b.BaseURL, "/") + "/" + strings.Trim(b.APIPrefix, "/")
}

// AuthConfig 存储 token 轮换策略。
type AuthConfig struct {
	AccessTokenLifetime time.Duration `mapstructure:"access_token_lifetime"`
	RotationFraction    float64       `mapstructure:"rotation_fraction"`
}

// StorageConfig 存储 token 持久化后端的配置。
type StorageConfig struct {
	Driver string      `mapstructure:"driver"` // file | redis | memory
	Path   string      `mapstructure:"path"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ChatConfig 存储对话相关的配置。
type ChatConfig struct {
	Mode          string `mapstructure:"mode"` // buffered | incremental
	TitleWords    int    `mapstructure:"title_words"`
	PreviewLength int    `mapstructure:"preview_length"`
	// MaxBadRecords 是单个流中允许跳过的无法解析记录数，0 表示不限。
	MaxBadRecords int `mapstructure:"max_bad_records"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DevServerConfig 存储本地参考后端的配置。
type DevServerConfig struct {
	Port                 string        `mapstructure:"port"`
	Mode                 string        `mapstructure:"mode"`
	JWTSecret            string        `mapstructure:"jwt_secret"`
	AccessTokenLifetime  time.Duration `mapstructure:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration `mapstructure:"refresh_token_lifetime"`
	FragmentDelay        time.Duration `mapstructure:"fragment_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.api_prefix", "/api/v1")
	v.SetDefault("backend.request_timeout", 60*time.Second)
	v.SetDefault("backend.stream_idle_timeout", 120*time.Second)
	v.SetDefault("backend.transport", "http")

	v.SetDefault("auth.access_token_lifetime", 30*time.Minute)
	v.SetDefault("auth.rotation_fraction", 5.0/6.0)

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", defaultStoragePath())
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "ragchat:")

	v.SetDefault("chat.mode", "incremental")
	v.SetDefault("chat.title_words", 6)
	v.SetDefault("chat.preview_length", 80)
	v.SetDefault("chat.max_bad_records", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "")

	v.SetDefault("devserver.port", "8000")
	v.SetDefault("devserver.mode", "debug")
	v.SetDefault("devserver.jwt_secret", "change-me")
	v.SetDefault("devserver.access_token_lifetime", 30*time.Minute)
	v.SetDefault("devserver.refresh_token_lifetime", 7*24*time.Hour)
	v.SetDefault("devserver.fragment_delay", 30*time.Millisecond)
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".ragchat/session.json"
	}
	return filepath.Join(dir, "ragchat", "session.json")
}

// Load 读取配置：先加载 .env，再读取 YAML 文件（configPath 为空时只用默认值），
// 最后应用 RAGCHAT_ 前缀的环境变量。
func Load(configPath string) (*Config, error) {
	// .env 不存在是正常情况
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Chat.Mode {
	case "buffered", "incremental":
	default:
		return fmt.Errorf("chat.mode must be buffered or incremental, got %q", c.Chat.Mode)
	}
	switch c.Backend.Transport {
	case "http", "websocket":
	default:
		return fmt.Errorf("backend.transport must be http or websocket, got %q", c.Backend.Transport)
	}
	switch c.Storage.Driver {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("storage.driver must be file, redis or memory, got %q", c.Storage.Driver)
	}
	if c.Auth.RotationFraction <= 0 || c.Auth.RotationFraction >= 1 {
		return fmt.Errorf("auth.rotation_fraction must be in (0, 1), got %v", c.Auth.RotationFraction)
	}
	if c.Chat.MaxBadRecords < 0 {
		return fmt.Errorf("chat.max_bad_records must not be negative")
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
