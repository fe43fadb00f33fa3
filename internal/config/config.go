package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 对应 config.yaml 的根结构
type Config struct {
	Upload UploadConfig `yaml:"upload"`
	Store  StoreConfig  `yaml:"store"`
	Cache  CacheConfig  `yaml:"cache"`
	System SystemConfig `yaml:"system"`
}

// UploadConfig 上传调度相关配置
type UploadConfig struct {
	BatchSize       int      `yaml:"batch_size"`
	Concurrency     int      `yaml:"concurrency"`
	RetryMax        int      `yaml:"retry_max"`
	RetryBase       string   `yaml:"retry_base"`
	RetryCap        string   `yaml:"retry_cap"`
	TransferTimeout string   `yaml:"transfer_timeout"`
	GracePeriod     string   `yaml:"grace_period"`
	Exclude         []string `yaml:"exclude"`

	// 解析后的 duration，不导出到 yaml
	RetryBaseDuration       time.Duration `yaml:"-"`
	RetryCapDuration        time.Duration `yaml:"-"`
	TransferTimeoutDuration time.Duration `yaml:"-"`
	GracePeriodDuration     time.Duration `yaml:"-"`
}

// StoreConfig S3 兼容对象存储配置
type StoreConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	PathStyle     *bool  `yaml:"path_style"`
	EnsureBucket  *bool  `yaml:"ensure_bucket"`
	PresignExpiry string `yaml:"presign_expiry"`

	PresignExpiryDuration time.Duration `yaml:"-"`
}

// CacheConfig 远端目录树缓存配置
type CacheConfig struct {
	PageSize int     `yaml:"page_size"`
	ScanRate float64 `yaml:"scan_rate"` // 全量扫描每秒请求页数，0 表示不限速
	TTL      string  `yaml:"ttl"`

	TTLDuration time.Duration `yaml:"-"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

// DefaultExclude 默认跳过的系统文件
var DefaultExclude = []string{
	"pagefile.sys",
	"hiberfil.sys",
	"swapfile.sys",
	"System Volume Information",
	"$Recycle.Bin",
	"Config.Msi",
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	cfg := &Config{}
	if err := cfg.normalize(); err != nil {
		// 默认值本身必须合法
		panic(err)
	}
	return cfg
}

// LoadConfig 读取并解析配置文件
// 文件中的 ${VAR} 会先按环境变量展开 (用于密钥等敏感信息)
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PathStyleEnabled 是否使用 path-style 访问 (MinIO / Vultr 等需要)
func (s *StoreConfig) PathStyleEnabled() bool {
	return s.PathStyle == nil || *s.PathStyle
}

// EnsureBucketEnabled 启动时是否自动创建 bucket
func (s *StoreConfig) EnsureBucketEnabled() bool {
	return s.EnsureBucket == nil || *s.EnsureBucket
}

// normalize 填充默认值并校验
func (c *Config) normalize() error {
	u := &c.Upload
	if u.BatchSize == 0 {
		u.BatchSize = 20
	}
	if u.BatchSize < 1 {
		return fmt.Errorf("upload.batch_size 必须 >= 1: %d", u.BatchSize)
	}
	if u.Concurrency == 0 {
		u.Concurrency = 2
	}
	if u.Concurrency < 1 {
		return fmt.Errorf("upload.concurrency 必须 >= 1: %d", u.Concurrency)
	}
	if u.RetryMax < 0 {
		return fmt.Errorf("upload.retry_max 不能为负数: %d", u.RetryMax)
	}
	if u.RetryMax == 0 {
		u.RetryMax = 3
	}
	if u.Exclude == nil {
		u.Exclude = append([]string(nil), DefaultExclude...)
	}

	var err error
	if u.RetryBaseDuration, err = parseDuration("upload.retry_base", u.RetryBase, 500*time.Millisecond); err != nil {
		return err
	}
	if u.RetryCapDuration, err = parseDuration("upload.retry_cap", u.RetryCap, 10*time.Second); err != nil {
		return err
	}
	if u.TransferTimeoutDuration, err = parseDuration("upload.transfer_timeout", u.TransferTimeout, 5*time.Minute); err != nil {
		return err
	}
	if u.GracePeriodDuration, err = parseDuration("upload.grace_period", u.GracePeriod, 5*time.Second); err != nil {
		return err
	}

	s := &c.Store
	if s.Region == "" {
		s.Region = "us-east-1"
	}
	if s.Bucket == "" {
		s.Bucket = "lab-backups"
	}
	if s.PresignExpiryDuration, err = parseDuration("store.presign_expiry", s.PresignExpiry, 15*time.Minute); err != nil {
		return err
	}

	ch := &c.Cache
	if ch.PageSize <= 0 {
		ch.PageSize = 1000
	}
	if ch.ScanRate < 0 {
		return fmt.Errorf("cache.scan_rate 不能为负数: %v", ch.ScanRate)
	}
	if ch.TTLDuration, err = parseDuration("cache.ttl", ch.TTL, 5*time.Minute); err != nil {
		return err
	}

	sys := &c.System
	if sys.DBPath == "" {
		sys.DBPath = "data/jobs.db"
	}
	if sys.LogLevel == "" {
		sys.LogLevel = "info"
	}
	switch strings.ToLower(sys.LogFormat) {
	case "":
		sys.LogFormat = "text"
	case "text", "json":
	default:
		return fmt.Errorf("未知的日志格式 (system.log_format): %s", sys.LogFormat)
	}

	return nil
}

// 只展开 ${VAR}，避免误伤 "$Recycle.Bin" 这类字面量
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("无效的时间格式 (%s): %v", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s 不能为负数: %s", name, value)
	}
	return d, nil
}
