package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	AI         AIConfig         `mapstructure:"ai"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Credits    CreditsConfig    `mapstructure:"credits"`
	Referral   ReferralConfig   `mapstructure:"referral"`
	Recaptcha  RecaptchaConfig  `mapstructure:"recaptcha"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Frontend   FrontendConfig   `mapstructure:"frontend"`
	Mail       MailConfig       `mapstructure:"mail"`
	LoginToken LoginTokenConfig `mapstructure:"login_token"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Timezone     string        `mapstructure:"timezone"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Engine          string        `mapstructure:"engine"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig Redis 配置（可选）
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ConnString   string `mapstructure:"conn_string"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	JWTExpireHours int    `mapstructure:"jwt_expire_hours"`
	AdminInitCode  string `mapstructure:"admin_init_code"`
}

// AIConfig 大模型调用配置
type AIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Temperature    float32       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxConcurrency int64         `mapstructure:"max_concurrency"`
	MaxInputChars  int           `mapstructure:"max_input_chars"`
}

// UploadConfig 文件上传与分析缓存配置
type UploadConfig struct {
	MaxFileSize       int64         `mapstructure:"max_file_size"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	Dir               string        `mapstructure:"dir"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries   int           `mapstructure:"cache_max_entries"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	PreviewChars      int           `mapstructure:"preview_chars"`
}

// CreditsConfig 积分发放配置
type CreditsConfig struct {
	InitialGrant int64 `mapstructure:"initial_grant"`
	DailyReward  int64 `mapstructure:"daily_reward"`
}

// ReferralConfig 推荐奖励配置
type ReferralConfig struct {
	InviterBonus  int64 `mapstructure:"inviter_bonus"`
	InviteeBonus  int64 `mapstructure:"invitee_bonus"`
	MaxTotalBonus int64 `mapstructure:"max_total_bonus"`
}

// RecaptchaConfig reCAPTCHA 配置，secret 为空时不校验
type RecaptchaConfig struct {
	Secret    string  `mapstructure:"secret"`
	MinScore  float64 `mapstructure:"min_score"`
	VerifyURL string  `mapstructure:"verify_url"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// FrontendConfig 前端地址
type FrontendConfig struct {
	URL string `mapstructure:"url"`
}

// MailConfig 邮件服务配置
type MailConfig struct {
	ProviderKey string `mapstructure:"provider_key"`
	From        string `mapstructure:"from"`
}

// LoginTokenConfig 邮箱验证码登录配置
type LoginTokenConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	CodeLength int           `mapstructure:"code_length"`
}

// ReferralLimit 单个用户可获得推荐奖励的次数上限
func (c ReferralConfig) ReferralLimit() int {
	if c.InviterBonus <= 0 {
		return 0
	}
	return int(c.MaxTotalBonus / c.InviterBonus)
}

var (
	cfg  *Config
	mu   sync.RWMutex
	envs = map[string][]string{
		"database.dsn":             {"DATABASE_URL", "SQL_DSN"},
		"database.engine":          {"DATABASE_ENGINE"},
		"redis.conn_string":        {"REDIS_URL", "REDIS_CONN_STRING"},
		"ai.api_key":               {"LLM_API_KEY", "OPENAI_API_KEY"},
		"ai.base_url":              {"LLM_BASE_URL"},
		"ai.model":                 {"LLM_MODEL"},
		"auth.jwt_secret":          {"JWT_SECRET"},
		"auth.jwt_expire_hours":    {"JWT_EXPIRE_HOURS"},
		"upload.max_file_size":     {"MAX_FILE_SIZE"},
		"upload.dir":               {"UPLOAD_DIR"},
		"cors.allowed_origins":     {"CORS_ORIGINS"},
		"recaptcha.secret":         {"RECAPTCHA_SECRET"},
		"recaptcha.min_score":      {"RECAPTCHA_MIN_SCORE"},
		"referral.inviter_bonus":   {"REFERRAL_INVITER_BONUS"},
		"referral.invitee_bonus":   {"REFERRAL_INVITEE_BONUS"},
		"referral.max_total_bonus": {"REFERRAL_MAX_TOTAL_BONUS"},
		"frontend.url":             {"FRONTEND_URL"},
		"mail.provider_key":        {"MAIL_PROVIDER_KEY"},
		"server.port":              {"PORT"},
		"server.mode":              {"GIN_MODE"},
	}
)

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.timezone", "Asia/Shanghai")

	v.SetDefault("database.engine", "sqlite")
	v.SetDefault("database.dsn", "data/mindmap.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.name", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.conn_string", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("auth.jwt_secret", "mindmap-secret-key-change-in-production")
	v.SetDefault("auth.jwt_expire_hours", 24*7)
	v.SetDefault("auth.admin_init_code", "ADMIN_INIT")

	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.timeout", 30*time.Second)
	v.SetDefault("ai.max_attempts", 3)
	v.SetDefault("ai.max_concurrency", 5)
	v.SetDefault("ai.max_input_chars", 4000)

	v.SetDefault("upload.max_file_size", 10*1024*1024)
	v.SetDefault("upload.allowed_extensions", []string{".txt", ".md", ".docx", ".pdf", ".srt"})
	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.cache_ttl", time.Hour)
	v.SetDefault("upload.cache_max_entries", 1000)
	v.SetDefault("upload.sweep_interval", 5*time.Minute)
	v.SetDefault("upload.preview_chars", 200)

	v.SetDefault("credits.initial_grant", 100)
	v.SetDefault("credits.daily_reward", 10)

	v.SetDefault("referral.inviter_bonus", 20)
	v.SetDefault("referral.invitee_bonus", 10)
	v.SetDefault("referral.max_total_bonus", 200)

	v.SetDefault("recaptcha.secret", "")
	v.SetDefault("recaptcha.min_score", 0.5)
	v.SetDefault("recaptcha.verify_url", "https://www.google.com/recaptcha/api/siteverify")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("frontend.url", "http://localhost:3000")
	v.SetDefault("mail.provider_key", "")
	v.SetDefault("mail.from", "noreply@mindmap.local")

	v.SetDefault("login_token.ttl", 15*time.Minute)
	v.SetDefault("login_token.code_length", 6)
}

// Load 加载配置：.env -> config.yaml -> 环境变量
func Load() (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envs {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败 %s: %w", key, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}

	mu.Lock()
	cfg = c
	mu.Unlock()
	return c, nil
}

// Default 返回仅包含默认值的配置（测试与 CLI 使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	c := &Config{}
	_ = v.Unmarshal(c)
	_ = c.normalize()
	return c
}

// Get 获取已加载的配置
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if cfg == nil {
		return Default()
	}
	return cfg
}

// normalize 校验并规范化配置
func (c *Config) normalize() error {
	c.Database.Engine = strings.ToLower(c.Database.Engine)
	switch c.Database.Engine {
	case "postgresql":
		c.Database.Engine = "postgres"
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Engine)
	}

	exts := make([]string, 0, len(c.Upload.AllowedExtensions))
	for _, ext := range c.Upload.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	c.Upload.AllowedExtensions = exts

	if c.AI.MaxConcurrency <= 0 {
		c.AI.MaxConcurrency = 5
	}
	if c.AI.MaxAttempts <= 0 {
		c.AI.MaxAttempts = 3
	}
	if c.Upload.CacheMaxEntries <= 0 {
		c.Upload.CacheMaxEntries = 1000
	}
	if c.Auth.JWTExpireHours <= 0 {
		c.Auth.JWTExpireHours = 24
	}
	return nil
}

// Location 业务时区（每日奖励按此时区计算自然日）
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
