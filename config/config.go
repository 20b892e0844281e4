package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"` // mysql | sqlite
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	// Worker 外部渲染服务（Generation Gateway）
	Worker struct {
		Addr    string        `yaml:"addr"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// PipelineConfig 编排器参数
type PipelineConfig struct {
	JobName      string        `yaml:"job_name"`
	BatchSize    int           `yaml:"batch_size"`
	MaxRetries   int           `yaml:"max_retries"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	Concurrency  int           `yaml:"concurrency"`
	Schedule     string        `yaml:"schedule"`
	SceneCost    int64         `yaml:"scene_cost"`
	DefaultModel string        `yaml:"default_model"`
	FFmpegPath   string        `yaml:"ffmpeg_path"`
	// StepTimeout 单步（生成/旁白）最长等待时间，超时判失败
	StepTimeout time.Duration `yaml:"step_timeout"`
}

var AppConfig *Config

// InitConfig 读取配置文件，失败直接退出
func InitConfig(path string) {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("配置文件读取失败: %v", err)
	}
	AppConfig = cfg
}

// Load decodes the YAML file at path, applies .env / environment overrides
// and defaults, then validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{}
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}

	// 本地开发用 .env，线上直接用环境变量
	_ = godotenv.Load()
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and addresses from the environment.
func (c *Config) ApplyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Database.Driver, "DB_DRIVER")
	override(&c.Database.DSN, "MYSQL_DSN")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.Worker.Addr, "WORKER_ADDR")
	override(&c.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	override(&c.MinIO.SecretKey, "MINIO_SECRET_KEY")
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Worker.Timeout == 0 {
		c.Worker.Timeout = 30 * time.Second
	}
	p := &c.Pipeline
	if p.JobName == "" {
		p.JobName = "scene-pipeline"
	}
	if p.BatchSize == 0 {
		p.BatchSize = 10
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.LockTTL == 0 {
		p.LockTTL = 5 * time.Minute
	}
	if p.Concurrency == 0 {
		p.Concurrency = 4
	}
	if p.Schedule == "" {
		p.Schedule = "@every 1m"
	}
	if p.SceneCost == 0 {
		p.SceneCost = 10
	}
	if p.FFmpegPath == "" {
		p.FFmpegPath = "ffmpeg"
	}
	if p.StepTimeout == 0 {
		p.StepTimeout = 30 * time.Minute
	}
}

func (c *Config) Validate() error {
	p := c.Pipeline
	if p.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be >= 1, got %d", p.BatchSize)
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("pipeline.max_retries must be >= 1, got %d", p.MaxRetries)
	}
	if p.LockTTL <= 0 {
		return fmt.Errorf("pipeline.lock_ttl must be positive")
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be >= 1, got %d", p.Concurrency)
	}
	if p.SceneCost < 1 {
		return fmt.Errorf("pipeline.scene_cost must be >= 1, got %d", p.SceneCost)
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver)
	}
	return nil
}
