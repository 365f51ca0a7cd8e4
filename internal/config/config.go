package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Log     LogConfig     `mapstructure:"log"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Storage StorageConfig `mapstructure:"storage"`
	Client  ClientConfig  `mapstructure:"client"`
	Model   ModelConfig   `mapstructure:"model"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Doubao  DoubaoConfig  `mapstructure:"doubao"`
	Qwen    QwenConfig    `mapstructure:"qwen"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StreamConfig 服务端推流相关配置
type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxDuration       time.Duration `mapstructure:"max_duration"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	SubtaskTTL        time.Duration `mapstructure:"subtask_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type StorageConfig struct {
	Type           string        `mapstructure:"type"`
	DataDir        string        `mapstructure:"data_dir"`
	CacheSize      int           `mapstructure:"cache_size"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
}

// ClientConfig 供 watch 客户端使用
type ClientConfig struct {
	BaseURL               string        `mapstructure:"base_url"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	MaxResumeAttempts     int           `mapstructure:"max_resume_attempts"`
	ResumeDelay           time.Duration `mapstructure:"resume_delay"`
}

type ModelConfig struct {
	Provider string `mapstructure:"provider"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type DoubaoConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type QwenConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	TopP         float32       `mapstructure:"top_p"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DebugRequest bool          `mapstructure:"debug_request"`
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept", "Cache-Control"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.max_duration", 25*time.Minute)
	v.SetDefault("stream.subscriber_buffer", 64)
	v.SetDefault("stream.subtask_ttl", 24*time.Hour)
	v.SetDefault("stream.cleanup_interval", 10*time.Minute)
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_size", 100)
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.response_header_timeout", 15*time.Second)
	v.SetDefault("client.max_resume_attempts", 3)
	v.SetDefault("client.resume_delay", time.Second)
	v.SetDefault("model.provider", "openai")
	v.SetDefault("openai.model", "gpt-4o-mini")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("STREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// 配置文件优先，如果配置文件中没有设置，则使用环境变量
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Doubao.APIKey == "" {
		if apiKey := os.Getenv("DOUBAO_API_KEY"); apiKey != "" {
			cfg.Doubao.APIKey = apiKey
		}
		if apiKey := os.Getenv("ARK_API_KEY"); apiKey != "" {
			cfg.Doubao.APIKey = apiKey
		}
	}
	if cfg.Qwen.APIKey == "" {
		cfg.Qwen.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}

	return cfg, nil
}

func Get() *Config {
	return cfg
}
