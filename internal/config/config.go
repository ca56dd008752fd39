package config

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "OpenSafe-Chain/internal/errors"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENSAFE_CONFIG"

// DefaultPath 是未设置 OPENSAFE_CONFIG 时使用的配置文件。
var DefaultPath = filepath.Join("configs", "opensafe.json")

// Config 描述了 OpenSafe 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Chains    ChainsConfig    `json:"chains"`
	Signer    SignerConfig    `json:"signer"`
	Remote    RemoteConfig    `json:"remote"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
	Execution ExecutionConfig `json:"execution"`
}

// ServerConfig 控制只读 API 服务的监听地址与认证。
type ServerConfig struct {
	Address string     `json:"address"`
	Auth    AuthConfig `json:"auth"`
}

// AuthConfig 配置 API 认证，mode 为 disabled 或 token。
type AuthConfig struct {
	Mode   string           `json:"mode"`
	Tokens []APITokenConfig `json:"tokens"`
}

// APITokenConfig 描述一个静态 API 令牌。
type APITokenConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// StorageConfig 选择交易存储后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	Dir    string      `json:"dir"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ChainsConfig 指向链定义文件。
type ChainsConfig struct {
	DefinitionsFile string `json:"definitions_file"`
	Default         string `json:"default"`
}

// SignerConfig 选择签名器实现，敏感字段可以通过 *_env 从环境变量读取。
type SignerConfig struct {
	Kind           string `json:"kind"`
	PrivateKey     string `json:"private_key"`
	PrivateKeyEnv  string `json:"private_key_env"`
	KeystoreDir    string `json:"keystore_dir"`
	Address        string `json:"address"`
	Passphrase     string `json:"passphrase"`
	PassphraseEnv  string `json:"passphrase_env"`
	DerivationPath string `json:"derivation_path"`
}

// RemoteConfig 配置 IPFS pinning 服务与网关。
type RemoteConfig struct {
	APIKey                string           `json:"api_key"`
	APIKeyEnv             string           `json:"api_key_env"`
	APISecret             string           `json:"api_secret"`
	APISecretEnv          string           `json:"api_secret_env"`
	PinEndpoint           string           `json:"pin_endpoint"`
	Gateway               string           `json:"gateway"`
	Fallbacks             []string         `json:"fallbacks"`
	RequestTimeoutSeconds int              `json:"request_timeout_seconds"`
	Cache                 RedisCacheConfig `json:"cache"`
}

// RedisCacheConfig 配置远程内容缓存，Address 为空时不启用。
type RedisCacheConfig struct {
	Address     string `json:"address"`
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	Prefix      string `json:"prefix"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

// AlertingConfig 配置告警通知渠道。
type AlertingConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

// AMQPConfig 配置 RabbitMQ 告警通道，URL 为空时不启用。
type AMQPConfig struct {
	URL     string `json:"url"`
	URLEnv  string `json:"url_env"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// ExecutionConfig 控制执行与 gas 策略。
type ExecutionConfig struct {
	ConfirmationTimeoutSeconds int   `json:"confirmation_timeout_seconds"`
	GasBoostPercent            int64 `json:"gas_boost_percent"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.Configuration("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}

	absDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		absDir = filepath.Dir(path)
	}
	cfg.applyDefaults(absDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault 读取 OPENSAFE_CONFIG 或默认路径；默认文件不存在时返回默认配置。
func LoadDefault() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && stdErrors.Is(err, os.ErrNotExist) {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			wd = "."
		}
		return Default(wd), nil
	}
	return nil, err
}

// Default 返回以 baseDir 为根目录的默认配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	c.Server.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Server.Auth.Mode))
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	c.Storage.Dir = resolvePath(baseDir, c.Storage.Dir, filepath.Join("data", "transactions"))

	if c.Chains.DefinitionsFile != "" {
		c.Chains.DefinitionsFile = resolvePath(baseDir, c.Chains.DefinitionsFile, "")
	}

	if c.Signer.Kind == "" {
		c.Signer.Kind = "private_key"
	}
	if c.Signer.KeystoreDir != "" {
		c.Signer.KeystoreDir = resolvePath(baseDir, c.Signer.KeystoreDir, "")
	}

	if c.Remote.RequestTimeoutSeconds <= 0 {
		c.Remote.RequestTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stderr"}
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path, filepath.Join("logs", "audit.log"))
	}

	if c.Execution.ConfirmationTimeoutSeconds <= 0 {
		c.Execution.ConfirmationTimeoutSeconds = 120
	}
}

func resolvePath(baseDir, value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		if fallback == "" {
			return ""
		}
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file":
	case "mysql":
		if c.Storage.MySQL.ResolvedDSN() == "" {
			return xerrors.Configuration("mysql 存储需要配置 dsn 或 dsn_env")
		}
	default:
		return xerrors.Configuration("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Execution.GasBoostPercent < 0 {
		return xerrors.Configuration("gas_boost_percent 不能为负数")
	}
	switch c.Server.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Server.Auth.Tokens) == 0 {
			return xerrors.Configuration("token 认证至少需要一个令牌")
		}
	default:
		return xerrors.Configuration("未知的认证模式: %s", c.Server.Auth.Mode)
	}
	return nil
}

// ConfirmationTimeout 返回等待回执的超时时间。
func (c ExecutionConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}

// RequestTimeout 返回单个网关请求的超时时间。
func (c RemoteConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Credentials 返回 pinning 服务凭证，缺失时返回配置错误。
func (c RemoteConfig) Credentials() (string, string, error) {
	key := secret(c.APIKey, c.APIKeyEnv)
	value := secret(c.APISecret, c.APISecretEnv)
	if key == "" || value == "" {
		return "", "", xerrors.Configuration("远程存储需要配置 api_key/api_secret 或对应的 *_env")
	}
	return key, value, nil
}

// CacheTTL 返回缓存有效期，0 表示不过期。
func (c RedisCacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ResolvedPassword 返回 Redis 密码。
func (c RedisCacheConfig) ResolvedPassword() string {
	return secret(c.Password, c.PasswordEnv)
}

// ResolvedURL 返回 AMQP 连接地址。
func (c AMQPConfig) ResolvedURL() string {
	return secret(c.URL, c.URLEnv)
}

// ResolvedDSN 返回 MySQL DSN。
func (c MySQLConfig) ResolvedDSN() string {
	return secret(c.DSN, c.DSNEnv)
}

// ResolvedPrivateKey 返回签名私钥。
func (c SignerConfig) ResolvedPrivateKey() string {
	return secret(c.PrivateKey, c.PrivateKeyEnv)
}

// ResolvedToken 返回 API 令牌明文。
func (c APITokenConfig) ResolvedToken() string {
	return secret(c.Token, c.TokenEnv)
}

// ResolvedPassphrase 返回 keystore 口令。
func (c SignerConfig) ResolvedPassphrase() string {
	return secret(c.Passphrase, c.PassphraseEnv)
}

// secret 优先使用明文值，否则读取 envName 指定的环境变量。
func secret(value, envName string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		return strings.TrimSpace(os.Getenv(envName))
	}
	return ""
}
