package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration for the edgestream agent.
type Config struct {
	App       AppConfig
	Snowflake SnowflakeConfig
	Batch     BatchConfig
	Ollama    OllamaConfig
	Capture   CaptureConfig
	Slack     SlackConfig
	Kafka     KafkaConfig
	Storage   StorageConfig
	Spool     SpoolConfig
	Ops       OpsConfig
	Tracing   TracingConfig
}

type AppConfig struct {
	Name     string `env:"APP_NAME" envDefault:"edgestream-agent"`
	Version  string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type SnowflakeConfig struct {
	Account              string        `env:"SNOWFLAKE_ACCOUNT"`
	User                 string        `env:"SNOWFLAKE_USER"`
	AuthMethod           string        `env:"SNOWFLAKE_AUTH_METHOD"`
	PrivateKeyPath       string        `env:"SNOWFLAKE_PRIVATE_KEY_PATH"`
	PublicKeyFingerprint string        `env:"SNOWFLAKE_PUBLIC_KEY_FP"`
	JWTLifetime          time.Duration `env:"SNOWFLAKE_JWT_LIFETIME" envDefault:"1h"`
	PAT                  string        `env:"SNOWFLAKE_PAT"`
	Database             string        `env:"SNOWFLAKE_DATABASE"`
	Schema               string        `env:"SNOWFLAKE_SCHEMA"`
	Pipe                 string        `env:"SNOWFLAKE_PIPE"`
	Table                string        `env:"SNOWFLAKE_TABLE"`
	Channel              string        `env:"SNOWFLAKE_CHANNEL" envDefault:"edgestream"`
	ControlHost          string        `env:"SNOWFLAKE_CONTROL_HOST"`
	DiscoverHost         bool          `env:"SNOWFLAKE_DISCOVER_HOST" envDefault:"false"`
	TokenRefreshSkew     time.Duration `env:"SNOWFLAKE_TOKEN_REFRESH_SKEW" envDefault:"1m"`
	RequestTimeout       time.Duration `env:"SNOWFLAKE_REQUEST_TIMEOUT" envDefault:"30s"`
}

type BatchConfig struct {
	Size            int           `env:"BATCH_SIZE" envDefault:"10"`
	Interval        time.Duration `env:"BATCH_INTERVAL" envDefault:"5s"`
	VerifyCommit    bool          `env:"BATCH_VERIFY_COMMIT" envDefault:"false"`
	MaxAttempts     int           `env:"BATCH_MAX_ATTEMPTS" envDefault:"5"`
	MaxAuthRetries  int           `env:"BATCH_MAX_AUTH_RETRIES" envDefault:"2"`
	InitialBackoff  time.Duration `env:"BATCH_INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff      time.Duration `env:"BATCH_MAX_BACKOFF" envDefault:"30s"`
	MaxRequestBytes int           `env:"BATCH_MAX_REQUEST_BYTES" envDefault:"16777216"`
	MaxRowsBytes    int           `env:"BATCH_MAX_ROWS_BYTES" envDefault:"4194304"`
	DiskPath        string        `env:"BATCH_DISK_PATH" envDefault:"/"`
}

type OllamaConfig struct {
	Enabled          bool          `env:"OLLAMA_ENABLED" envDefault:"false"`
	BaseURL          string        `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	Model            string        `env:"OLLAMA_MODEL" envDefault:"llama3.2"`
	PromptTemplate   string        `env:"OLLAMA_PROMPT_TEMPLATE"`
	ImagePrompt      string        `env:"OLLAMA_IMAGE_PROMPT"`
	MaxResponseChars int           `env:"OLLAMA_MAX_RESPONSE_CHARS" envDefault:"512"`
	Timeout          time.Duration `env:"OLLAMA_TIMEOUT" envDefault:"30s"`
	ImageTimeout     time.Duration `env:"OLLAMA_IMAGE_TIMEOUT" envDefault:"60s"`
}

type CaptureConfig struct {
	Enabled        bool          `env:"CAPTURE_ENABLED" envDefault:"false"`
	Command        []string      `env:"CAPTURE_COMMAND" envSeparator:" "`
	OutputDir      string        `env:"CAPTURE_OUTPUT_DIR" envDefault:"./captures"`
	FilenamePrefix string        `env:"CAPTURE_FILENAME_PREFIX" envDefault:"edge"`
	Timeout        time.Duration `env:"CAPTURE_TIMEOUT" envDefault:"20s"`
	ArchiveFrames  bool          `env:"CAPTURE_ARCHIVE_FRAMES" envDefault:"false"`
}

type SlackConfig struct {
	Enabled       bool   `env:"SLACK_ENABLED" envDefault:"false"`
	BotToken      string `env:"SLACK_BOT_TOKEN"`
	Channel       string `env:"SLACK_CHANNEL"`
	MessagePrefix string `env:"SLACK_MESSAGE_PREFIX" envDefault:"Edge capture"`
}

type KafkaConfig struct {
	Enabled  bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	Brokers  []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic    string        `env:"KAFKA_TOPIC" envDefault:"edgestream.records"`
	GroupID  string        `env:"KAFKA_GROUP_ID" envDefault:"edgestream-agent"`
	MaxWait  time.Duration `env:"KAFKA_MAX_WAIT" envDefault:"1s"`
	MaxBytes int           `env:"KAFKA_MAX_BYTES" envDefault:"10485760"`
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"minio"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"STORAGE_BUCKET" envDefault:"edgestream-captures"`
	AccessKey string `env:"STORAGE_ACCESS_KEY"`
	SecretKey string `env:"STORAGE_SECRET_KEY"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

type SpoolConfig struct {
	Enabled bool   `env:"SPOOL_ENABLED" envDefault:"true"`
	Path    string `env:"SPOOL_PATH" envDefault:"./edgestream-spool.db"`
}

type OpsConfig struct {
	// Addr enables the local admin server when non-empty.
	Addr string `env:"OPS_ADDR"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=edgestream"`
}

// Load parses environment variables into Config and validates the fields
// the agent cannot run without.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements that env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Snowflake.Account == "" {
		errs = append(errs, errors.New("SNOWFLAKE_ACCOUNT is required"))
	}
	if c.Snowflake.User == "" {
		errs = append(errs, errors.New("SNOWFLAKE_USER is required"))
	}
	if c.Snowflake.PrivateKeyPath == "" && c.Snowflake.PAT == "" {
		errs = append(errs, errors.New("one of SNOWFLAKE_PRIVATE_KEY_PATH or SNOWFLAKE_PAT is required"))
	}
	if c.Snowflake.Database == "" || c.Snowflake.Schema == "" || c.Snowflake.Pipe == "" {
		errs = append(errs, errors.New("SNOWFLAKE_DATABASE, SNOWFLAKE_SCHEMA, and SNOWFLAKE_PIPE are required"))
	}
	if c.Slack.Enabled && (c.Slack.BotToken == "" || c.Slack.Channel == "") {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN and SLACK_CHANNEL are required when Slack is enabled"))
	}
	if c.Capture.Enabled && len(c.Capture.Command) == 0 {
		errs = append(errs, errors.New("CAPTURE_COMMAND is required when capture is enabled"))
	}
	return errors.Join(errs...)
}
