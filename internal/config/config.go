package config

import (
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	xerrors "LeanChat/internal/errors"
	"LeanChat/pkg/logger"
)

const (
	// EnvConfigPath 指定 YAML 配置文件的位置。
	EnvConfigPath = "LEANCHAT_CONFIG"
	// DefaultConfigPath 为未设置 LEANCHAT_CONFIG 时尝试读取的文件。
	DefaultConfigPath = "configs/leanchat.yaml"
)

// Config 描述了 LeanChat 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server" envPrefix:"LEANCHAT_SERVER_"`
	Conversation ConversationConfig `yaml:"conversation" envPrefix:"LEANCHAT_CONVERSATION_"`
	LLM          LLMConfig          `yaml:"llm" envPrefix:"LEANCHAT_LLM_"`
	Session      SessionConfig      `yaml:"session" envPrefix:"LEANCHAT_SESSION_"`
	Queue        QueueConfig        `yaml:"queue" envPrefix:"LEANCHAT_QUEUE_"`
	Alerting     AlertingConfig     `yaml:"alerting" envPrefix:"LEANCHAT_ALERTING_"`
	Logging      logger.Config      `yaml:"logging"`
	LogLevel     string             `yaml:"-" env:"LEANCHAT_LOG_LEVEL"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address        string `yaml:"address" env:"ADDRESS"`
	MetricsAddress string `yaml:"metrics_address" env:"METRICS_ADDRESS"`
	// APITokens 非空时 /api/v1 下的接口需要携带 Bearer Token。
	APITokens []string `yaml:"api_tokens" env:"API_TOKENS" envSeparator:","`
}

// ConversationConfig 描述新会话的默认参数。
type ConversationConfig struct {
	System      string        `yaml:"system" env:"SYSTEM"`
	MaxHistory  int           `yaml:"max_history" env:"MAX_HISTORY"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	FewShotFile string        `yaml:"few_shot_file" env:"FEW_SHOT_FILE"`
}

// LLMConfig 用于配置对话补全接口的调用方式。
type LLMConfig struct {
	Provider string        `yaml:"provider" env:"PROVIDER"`
	APIKey   string        `yaml:"api_key" env:"API_KEY"`
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Model    string        `yaml:"model" env:"MODEL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// SessionConfig 控制会话的过期与持久化。
type SessionConfig struct {
	IdleTTL       time.Duration   `yaml:"idle_ttl" env:"IDLE_TTL"`
	SweepInterval time.Duration   `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	Persister     PersisterConfig `yaml:"persister" envPrefix:"PERSISTER_"`
}

// PersisterConfig 选择会话持久化后端。
type PersisterConfig struct {
	Driver string      `yaml:"driver" env:"DRIVER"`
	Redis  RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	MySQL  MySQLConfig `yaml:"mysql" envPrefix:"MYSQL_"`
}

// RedisConfig 描述 Redis 连接参数，会话存储与任务队列共用该结构。
type RedisConfig struct {
	Address  string        `yaml:"address" env:"ADDRESS"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Key      string        `yaml:"key" env:"KEY"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// QueueConfig 控制异步任务队列。
type QueueConfig struct {
	Driver     string         `yaml:"driver" env:"DRIVER"`
	Store      string         `yaml:"store" env:"STORE"`
	Workers    int            `yaml:"workers" env:"WORKERS"`
	MaxRetries int            `yaml:"max_retries" env:"MAX_RETRIES"`
	Buffer     int            `yaml:"buffer" env:"BUFFER"`
	Redis      RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	MySQL      MySQLConfig    `yaml:"mysql" envPrefix:"MYSQL_"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Queue    string `yaml:"queue" env:"QUEUE"`
	Prefetch int    `yaml:"prefetch" env:"PREFETCH"`
}

// AlertingConfig 控制任务最终失败时的告警渠道。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url" env:"WEBHOOK_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Defaults 返回带默认值的配置，会被 YAML、.env 与环境变量依次覆盖。
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080"},
		Conversation: ConversationConfig{
			System:      "You are a helpful assistant.",
			MaxHistory:  10,
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "http",
			BaseURL:  "https://api.deepseek.com",
			Model:    "deepseek-chat",
			Timeout:  60 * time.Second,
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
			Persister:     PersisterConfig{Driver: "none"},
		},
		Queue: QueueConfig{
			Driver:     "memory",
			Store:      "memory",
			Workers:    2,
			MaxRetries: 3,
			Buffer:     64,
		},
		Alerting: AlertingConfig{Timeout: 5 * time.Second},
		Logging:  logger.Config{Level: "info", Format: "console"},
	}
}

// Load 组装配置并校验。
func Load(path string) (*Config, error) {
	cfg, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve 按默认值、YAML 文件、.env、环境变量的顺序组装配置，不做校验，
// 供需要再叠加命令行参数的调用方使用。
// path 为空时读取 LEANCHAT_CONFIG，仍为空则尝试 DefaultConfigPath；
// 只有显式指定的文件不存在才视为错误。
func Resolve(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultConfigPath
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 .env 失败")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if !required && stdErrors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("读取配置文件 %s 失败", path))
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("解析配置文件 %s 失败", path))
	}
	return nil
}

func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "解析环境变量失败")
	}
	if c.LogLevel != "" {
		c.Logging.Level = c.LogLevel
	}
	if c.LLM.APIKey == "" {
		for _, key := range []string{"DEEPSEEK_API_KEY", "OPENAI_API_KEY"} {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				c.LLM.APIKey = v
				break
			}
		}
	}
	return nil
}

// Validate 检查配置的取值范围与驱动名称。
func (c *Config) Validate() error {
	if c.Conversation.MaxHistory < 0 {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("conversation.max_history 不能为负数: %d", c.Conversation.MaxHistory))
	}
	if err := oneOf("llm.provider", c.LLM.Provider, "http", "sdk", "stub"); err != nil {
		return err
	}
	if err := oneOf("session.persister.driver", c.Session.Persister.Driver, "none", "redis", "mysql"); err != nil {
		return err
	}
	if err := oneOf("queue.driver", c.Queue.Driver, "none", "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := oneOf("queue.store", c.Queue.Store, "memory", "mysql"); err != nil {
		return err
	}
	if c.LLM.Provider != "stub" && c.LLM.APIKey == "" {
		return xerrors.New(xerrors.CodeConfiguration, "缺少 API Key：设置 DEEPSEEK_API_KEY、OPENAI_API_KEY 或 llm.api_key")
	}
	if c.Session.Persister.Driver == "mysql" && c.Session.Persister.MySQL.DSN == "" {
		return xerrors.New(xerrors.CodeConfiguration, "session.persister.mysql.dsn 不能为空")
	}
	if c.Queue.Store == "mysql" && c.Queue.MySQL.DSN == "" {
		return xerrors.New(xerrors.CodeConfiguration, "queue.mysql.dsn 不能为空")
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		return xerrors.New(xerrors.CodeConfiguration, "queue.rabbitmq.url 不能为空")
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return xerrors.New(xerrors.CodeConfiguration,
		fmt.Sprintf("%s 取值 %q 无效，可选: %s", field, value, strings.Join(allowed, "|")))
}
