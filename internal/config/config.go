package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App       AppConfig       `json:"app"`
	MySQL     MySQLConfig     `json:"mysql"`
	Redis     RedisConfig     `json:"redis"`
	Email     EmailConfig     `json:"email"`
	Security  SecurityConfig  `json:"security"`
	Transport TransportConfig `json:"transport"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env             string        `json:"env"`              // 运行环境: local / prod
	LogLevel        string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr        string        `json:"http_addr"`        // HTTP 服务监听地址（webhook + 管理 API）
	ElectionID      string        `json:"election_id"`      // 选票载荷中的选举标识
	OTPTTL          time.Duration `json:"otp_ttl"`          // 验证码有效期（如 "5m"）
	ResendCooldown  time.Duration `json:"resend_cooldown"`  // 验证码重发冷却时间
	WindowDuration  time.Duration `json:"window_duration"`  // 快捷设置投票窗口的默认时长
	CampaignHours   int           `json:"campaign_hours"`   // 竞选宣传默认时长（小时）
	SweepInterval   time.Duration `json:"sweep_interval"`   // 竞选到期巡检间隔
	JanitorSchedule string        `json:"janitor_schedule"` // 孤儿数据清理 cron 表达式
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret         string `json:"jwt_secret"`          // 管理 API JWT 签名密钥
	AdminPasswordHash string `json:"admin_password_hash"` // 管理 API 登录口令的 bcrypt 哈希
	RootAdminID       string `json:"root_admin_id"`       // 主管理员的聊天用户标识
}

// TransportConfig 聊天网关配置。
type TransportConfig struct {
	GatewayURL   string `json:"gateway_url"`   // 出站消息投递地址
	WebhookToken string `json:"webhook_token"` // 入站 webhook 校验令牌
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := getDefaultConfig()
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// 解析 JSON
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			ElectionID:      "nacos_2024",
			OTPTTL:          5 * time.Minute,
			ResendCooldown:  60 * time.Second,
			WindowDuration:  8 * time.Hour,
			CampaignHours:   24,
			SweepInterval:   time.Minute,
			JanitorSchedule: "@hourly",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/nacospoll?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
		},
		Security: SecurityConfig{
			JWTSecret:         "dev_secret_change_me",
			AdminPasswordHash: "",
			RootAdminID:       "",
		},
		Transport: TransportConfig{
			GatewayURL:   "http://localhost:9000/deliver",
			WebhookToken: "",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.ElectionID == "" {
		cfg.App.ElectionID = defaults.App.ElectionID
	}
	if cfg.App.OTPTTL == 0 {
		cfg.App.OTPTTL = defaults.App.OTPTTL
	}
	if cfg.App.ResendCooldown == 0 {
		cfg.App.ResendCooldown = defaults.App.ResendCooldown
	}
	if cfg.App.WindowDuration == 0 {
		cfg.App.WindowDuration = defaults.App.WindowDuration
	}
	if cfg.App.CampaignHours == 0 {
		cfg.App.CampaignHours = defaults.App.CampaignHours
	}
	if cfg.App.SweepInterval == 0 {
		cfg.App.SweepInterval = defaults.App.SweepInterval
	}
	if cfg.App.JanitorSchedule == "" {
		cfg.App.JanitorSchedule = defaults.App.JanitorSchedule
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.SMTPHost == "" {
		cfg.Email.SMTPHost = defaults.Email.SMTPHost
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Transport.GatewayURL == "" {
		cfg.Transport.GatewayURL = defaults.Transport.GatewayURL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("mysql_dsn", "MYSQL_DSN")
	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_user", "SMTP_USER")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("from_email", "FROM_EMAIL")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("admin_password_hash", "ADMIN_PASSWORD_HASH")
	_ = viper.BindEnv("root_admin_id", "ROOT_ADMIN_ID")
	_ = viper.BindEnv("gateway_url", "GATEWAY_URL")
	_ = viper.BindEnv("webhook_token", "WEBHOOK_TOKEN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("ELECTION_ID"); v != "" {
		cfg.App.ElectionID = v
	}
	if v := viper.GetString("mysql_dsn"); v != "" {
		cfg.MySQL.DSN = v
	} else if v := viper.GetString("db_host"); v != "" {
		cfg.MySQL.DSN = rewriteDSNHost(cfg.MySQL.DSN, v, viper.GetString("db_password"))
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := viper.GetString("smtp_user"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := viper.GetString("from_email"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := viper.GetString("admin_password_hash"); v != "" {
		cfg.Security.AdminPasswordHash = v
	}
	if v := viper.GetString("root_admin_id"); v != "" {
		cfg.Security.RootAdminID = v
	}
	if v := viper.GetString("gateway_url"); v != "" {
		cfg.Transport.GatewayURL = v
	}
	if v := viper.GetString("webhook_token"); v != "" {
		cfg.Transport.WebhookToken = v
	}
}

// rewriteDSNHost 用环境变量中的主机/密码改写 DSN，保留其余参数。
func rewriteDSNHost(dsn, host, password string) string {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		parsed = mysql.NewConfig()
		parsed.User = "root"
		parsed.DBName = "nacospoll"
		parsed.Net = "tcp"
		parsed.ParseTime = true
	}
	parsed.Addr = host
	if password != "" {
		parsed.Passwd = password
	}
	return parsed.FormatDSN()
}
