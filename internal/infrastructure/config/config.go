package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Compat CompatConfig `mapstructure:"compat"`
	Bridge BridgeConfig `mapstructure:"bridge"`
	Warp   WarpConfig   `mapstructure:"warp"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
}

// CompatConfig OpenAI 兼容层配置
type CompatConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production

	// Bridge readiness polling + warmup request retries
	InitRetries   int           `mapstructure:"init_retries"`
	InitDelay     time.Duration `mapstructure:"init_delay"`
	WarmupRetries int           `mapstructure:"warmup_retries"`
	WarmupDelay   time.Duration `mapstructure:"warmup_delay"`
}

// BridgeConfig 桥接层配置
type BridgeConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// URL the compat layer uses to reach the bridge
	BaseURL string `mapstructure:"base_url"`
}

// WarpConfig 上游配置
type WarpConfig struct {
	URL         string `mapstructure:"url"`
	ProtoDir    string `mapstructure:"proto_dir"`
	InsecureTLS bool   `mapstructure:"insecure_tls"`
}

// AuthConfig 凭证配置
type AuthConfig struct {
	EnvFile string `mapstructure:"env_file"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 加载配置: 默认值 → 可选 config.yaml → 环境变量
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// 环境变量覆盖 (原生变量名, 无前缀)
	bindEnvs(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("compat.host", "0.0.0.0")
	v.SetDefault("compat.port", 8010)
	v.SetDefault("compat.mode", "local")
	v.SetDefault("compat.init_retries", 10)
	v.SetDefault("compat.init_delay", "500ms")
	v.SetDefault("compat.warmup_retries", 3)
	v.SetDefault("compat.warmup_delay", "1500ms")

	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 8000)
	v.SetDefault("bridge.base_url", "http://127.0.0.1:8000")

	v.SetDefault("warp.url", "https://app.warp.dev/ai/multi-agent")
	v.SetDefault("warp.proto_dir", "proto")
	v.SetDefault("warp.insecure_tls", false)

	v.SetDefault("auth.env_file", ".env")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// bindEnvs 绑定原生环境变量 (与原有部署保持兼容)
func bindEnvs(v *viper.Viper) {
	_ = v.BindEnv("compat.host", "HOST")
	_ = v.BindEnv("compat.port", "PORT")
	_ = v.BindEnv("compat.init_retries", "WARP_COMPAT_INIT_RETRIES")
	_ = v.BindEnv("compat.init_delay", "WARP_COMPAT_INIT_DELAY")
	_ = v.BindEnv("compat.warmup_retries", "WARP_COMPAT_WARMUP_RETRIES")
	_ = v.BindEnv("compat.warmup_delay", "WARP_COMPAT_WARMUP_DELAY")
	_ = v.BindEnv("bridge.base_url", "WARP_BRIDGE_URL")
	_ = v.BindEnv("bridge.port", "WARP_BRIDGE_PORT")
	_ = v.BindEnv("warp.url", "WARP_URL")
	_ = v.BindEnv("warp.proto_dir", "WARP_PROTO_DIR")
	_ = v.BindEnv("warp.insecure_tls", "WARP_INSECURE_TLS")
	_ = v.BindEnv("auth.env_file", "WARP_ENV_FILE")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
}
