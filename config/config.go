package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Minio       MinioConfig       `yaml:"minio"`
	Model       ModelConfig       `yaml:"model"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Auth        AuthConfig        `yaml:"auth"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Users       []User            `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MinioConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"use_ssl"`
	ExpireMinutes int    `yaml:"expire_minutes"`
}

type ModelConfig struct {
	APIKey             string `yaml:"api_key"`
	Scope              string `yaml:"scope"`
	ModelName          string `yaml:"model_name"`
	MaxResponseBytes   int    `yaml:"max_response_bytes"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type EntitlementConfig struct {
	APIURL   string `yaml:"api_url"`
	APIToken string `yaml:"api_token"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type PipelineConfig struct {
	Workers            int `yaml:"workers"`
	QueueSize          int `yaml:"queue_size"`
	MaxAttempts        int `yaml:"max_attempts"`
	InitialBackoffMS   int `yaml:"initial_backoff_ms"`
	MaxBackoffMS       int `yaml:"max_backoff_ms"`
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UserID   string `yaml:"user_id"`
}

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Minio.ExpireMinutes == 0 {
		cfg.Minio.ExpireMinutes = 60
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}
	if cfg.Model.ModelName == "" {
		cfg.Model.ModelName = "GigaChat"
	}
	if cfg.Model.MaxResponseBytes == 0 {
		cfg.Model.MaxResponseBytes = 64 * 1024
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 64
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.InitialBackoffMS == 0 {
		cfg.Pipeline.InitialBackoffMS = 500
	}
	if cfg.Pipeline.MaxBackoffMS == 0 {
		cfg.Pipeline.MaxBackoffMS = 10000
	}
	if cfg.Pipeline.StepTimeoutSeconds == 0 {
		cfg.Pipeline.StepTimeoutSeconds = 60
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
