package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SPLITVAULT_"

// Duration 支持 "5m" 形式的时长
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	JSON       bool   `yaml:"json" json:"json"`
}

// ChainConfig 执行底座配置
type ChainConfig struct {
	ChainID    int64  `yaml:"chain_id" json:"chain_id"`
	Registry   string `yaml:"registry" json:"registry"`     // 策略注册中心地址
	Settlement string `yaml:"settlement" json:"settlement"` // 结算方地址（EIP-712 verifyingContract）
}

// AccountsConfig 角色账户由助记词按索引派生
type AccountsConfig struct {
	Mnemonic    string `yaml:"mnemonic" json:"mnemonic"`
	SecretStore string `yaml:"secret_store" json:"secret_store"` // 未直接配置助记词时从该 Badger 密钥库读取
	Admin       uint32 `yaml:"admin" json:"admin"`
	Operator    uint32 `yaml:"operator" json:"operator"`
	Guardian    uint32 `yaml:"guardian" json:"guardian"`
}

// TokenConfig 代币
type TokenConfig struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
}

// FeedStepConfig 价格链中的一跳（手动价格源）
type FeedStepConfig struct {
	Label     string   `yaml:"label" json:"label"`
	Rate      string   `yaml:"rate" json:"rate"` // 十进制字符串
	Decimals  uint8    `yaml:"decimals" json:"decimals"`
	Reverse   bool     `yaml:"reverse" json:"reverse"`
	Heartbeat Duration `yaml:"heartbeat" json:"heartbeat"`
}

// FeedConfig (from, to) 的价格链，使用代币符号
type FeedConfig struct {
	From  string           `yaml:"from" json:"from"`
	To    string           `yaml:"to" json:"to"`
	Steps []FeedStepConfig `yaml:"steps" json:"steps"`
}

// ImplementationConfig 实现版本
type ImplementationConfig struct {
	Label            string   `yaml:"label" json:"label"`
	Address          string   `yaml:"address" json:"address"`
	Type             uint64   `yaml:"type" json:"type"` // 0 表示分配新类型
	MinOrderValidity Duration `yaml:"min_order_validity" json:"min_order_validity"`
	MaxOrderValidity Duration `yaml:"max_order_validity" json:"max_order_validity"`
	FoldThreshold    string   `yaml:"fold_threshold" json:"fold_threshold"` // 基础资产最小单位的整数
	RemainderToA     bool     `yaml:"remainder_to_a" json:"remainder_to_a"`
}

// VenueConfig 收益场所
type VenueConfig struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
}

// SplitConfig 比例（基点）
type SplitConfig struct {
	A uint32 `yaml:"a" json:"a"`
	B uint32 `yaml:"b" json:"b"`
}

// StrategyConfig 策略实例
type StrategyConfig struct {
	Name           string       `yaml:"name" json:"name"`
	Address        string       `yaml:"address" json:"address"`
	OwnerIndex     uint32       `yaml:"owner_index" json:"owner_index"`
	Implementation string       `yaml:"implementation" json:"implementation"` // 实现 label
	BaseAsset      string       `yaml:"base_asset" json:"base_asset"`         // 代币符号
	VenueA         VenueConfig  `yaml:"venue_a" json:"venue_a"`
	VenueB         VenueConfig  `yaml:"venue_b" json:"venue_b"`
	Split          SplitConfig  `yaml:"split" json:"split"`
	RewardTokens   []string     `yaml:"reward_tokens" json:"reward_tokens"`
	SlippageBps    uint32       `yaml:"slippage_bps" json:"slippage_bps"`
	InitialDeposit string       `yaml:"initial_deposit" json:"initial_deposit"`
	Target         *SplitConfig `yaml:"target" json:"target"` // keeper 目标比例
}

// KeeperConfig keeper 配置
type KeeperConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Schedule      string   `yaml:"schedule" json:"schedule"`
	OrderValidity Duration `yaml:"order_validity" json:"order_validity"`
}

// MetricsConfig 指标服务
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// JournalConfig 事件日志存储
type JournalConfig struct {
	Backend  string `yaml:"backend" json:"backend"` // badger（默认）或 json
	Path     string `yaml:"path" json:"path"`
	InMemory bool   `yaml:"in_memory" json:"in_memory"` // 仅 badger
}

// Config 完整配置
type Config struct {
	Log             LogConfig              `yaml:"log" json:"log"`
	Chain           ChainConfig            `yaml:"chain" json:"chain"`
	Accounts        AccountsConfig         `yaml:"accounts" json:"accounts"`
	Tokens          []TokenConfig          `yaml:"tokens" json:"tokens"`
	Feeds           []FeedConfig           `yaml:"feeds" json:"feeds"`
	Implementations []ImplementationConfig `yaml:"implementations" json:"implementations"`
	Strategies      []StrategyConfig       `yaml:"strategies" json:"strategies"`
	Keeper          KeeperConfig           `yaml:"keeper" json:"keeper"`
	Metrics         MetricsConfig          `yaml:"metrics" json:"metrics"`
	Journal         JournalConfig          `yaml:"journal" json:"journal"`
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置。
// 优先级：配置文件 > 环境变量（SPLITVAULT_*）> 默认值
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}
	cfg := &Config{}
	if filePath != "" {
		loaded, err := loadConfigFile(filePath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnv(cfg)
	applyDefaults(cfg)

	globalConfig = cfg
	configFilePath = filePath
	return cfg, nil
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Reset 清除缓存的全局配置
func Reset() {
	globalConfig = nil
	configFilePath = ""
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data, filepath.Ext(filePath))
}

// Parse 按扩展名解析配置内容
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = getValueFromSources(cfg.Log.Level, getEnv(envPrefix+"LOG_LEVEL", ""))
	cfg.Log.File = getValueFromSources(cfg.Log.File, getEnv(envPrefix+"LOG_FILE", ""))
	cfg.Accounts.Mnemonic = getValueFromSources(cfg.Accounts.Mnemonic, getEnv(envPrefix+"MNEMONIC", ""))
	cfg.Accounts.SecretStore = getValueFromSources(cfg.Accounts.SecretStore, getEnv(envPrefix+"SECRET_STORE", ""))
	cfg.Metrics.Listen = getValueFromSources(cfg.Metrics.Listen, getEnv(envPrefix+"METRICS_LISTEN", ""))
	cfg.Keeper.Schedule = getValueFromSources(cfg.Keeper.Schedule, getEnv(envPrefix+"KEEPER_SCHEDULE", ""))
	cfg.Journal.Path = getValueFromSources(cfg.Journal.Path, getEnv(envPrefix+"JOURNAL_PATH", ""))
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = int64(parseIntEnv(envPrefix+"CHAIN_ID", 0))
	}
	if !cfg.Metrics.Enabled {
		cfg.Metrics.Enabled = parseBoolEnv(envPrefix+"METRICS_ENABLED", false)
	}
	if !cfg.Keeper.Enabled {
		cfg.Keeper.Enabled = parseBoolEnv(envPrefix+"KEEPER_ENABLED", false)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = 1
	}
	if cfg.Keeper.Schedule == "" {
		cfg.Keeper.Schedule = "@every 1m"
	}
	if cfg.Keeper.OrderValidity.Duration == 0 {
		cfg.Keeper.OrderValidity.Duration = 30 * time.Minute
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9464"
	}
	if cfg.Journal.Backend == "" {
		cfg.Journal.Backend = "badger"
	}
	if cfg.Journal.Path == "" && !cfg.Journal.InMemory {
		cfg.Journal.Path = "data/journal"
	}
	for i := range cfg.Implementations {
		impl := &cfg.Implementations[i]
		if impl.MinOrderValidity.Duration == 0 {
			impl.MinOrderValidity.Duration = 5 * time.Minute
		}
		if impl.MaxOrderValidity.Duration == 0 {
			impl.MaxOrderValidity.Duration = time.Hour
		}
	}
}

// Token 按符号查找代币
func (c *Config) Token(symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// Implementation 按 label 查找实现
func (c *Config) Implementation(label string) (ImplementationConfig, bool) {
	for _, impl := range c.Implementations {
		if impl.Label == label {
			return impl, true
		}
	}
	return ImplementationConfig{}, false
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Accounts.Mnemonic == "" {
		return fmt.Errorf("%sMNEMONIC 未配置且未从 accounts.secret_store 读取到助记词", envPrefix)
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id 必须大于 0")
	}
	for name, addr := range map[string]string{"chain.registry": c.Chain.Registry, "chain.settlement": c.Chain.Settlement} {
		if err := checkAddress(name, addr); err != nil {
			return err
		}
	}

	symbols := make(map[string]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("代币 symbol 不能为空")
		}
		key := strings.ToUpper(t.Symbol)
		if symbols[key] {
			return fmt.Errorf("重复的代币: %s", t.Symbol)
		}
		symbols[key] = true
		if err := checkAddress("tokens."+t.Symbol, t.Address); err != nil {
			return err
		}
	}

	for _, f := range c.Feeds {
		name := f.From + "/" + f.To
		if !symbols[strings.ToUpper(f.From)] || !symbols[strings.ToUpper(f.To)] {
			return fmt.Errorf("价格链 %s 引用了未知代币", name)
		}
		if len(f.Steps) == 0 {
			return fmt.Errorf("价格链 %s 不能为空", name)
		}
		for i, s := range f.Steps {
			if s.Heartbeat.Duration <= 0 {
				return fmt.Errorf("价格链 %s 第 %d 跳 heartbeat 必须大于 0", name, i)
			}
			rate, err := decimal.NewFromString(s.Rate)
			if err != nil || !rate.IsPositive() {
				return fmt.Errorf("价格链 %s 第 %d 跳 rate 无效: %q", name, i, s.Rate)
			}
		}
	}

	labels := make(map[string]bool, len(c.Implementations))
	for _, impl := range c.Implementations {
		if impl.Label == "" || labels[impl.Label] {
			return fmt.Errorf("实现 label 为空或重复: %q", impl.Label)
		}
		labels[impl.Label] = true
		if err := checkAddress("implementations."+impl.Label, impl.Address); err != nil {
			return err
		}
		if impl.MinOrderValidity.Duration > impl.MaxOrderValidity.Duration {
			return fmt.Errorf("实现 %s: min_order_validity 大于 max_order_validity", impl.Label)
		}
		if impl.FoldThreshold != "" {
			if v, err := decimal.NewFromString(impl.FoldThreshold); err != nil || v.IsNegative() || !v.IsInteger() {
				return fmt.Errorf("实现 %s: fold_threshold 无效: %q", impl.Label, impl.FoldThreshold)
			}
		}
	}

	for _, s := range c.Strategies {
		if err := checkAddress("strategies."+s.Name, s.Address); err != nil {
			return err
		}
		if !labels[s.Implementation] {
			return fmt.Errorf("策略 %s 引用了未知实现: %s", s.Name, s.Implementation)
		}
		if !symbols[strings.ToUpper(s.BaseAsset)] {
			return fmt.Errorf("策略 %s 引用了未知基础资产: %s", s.Name, s.BaseAsset)
		}
		if err := checkAddress("strategies."+s.Name+".venue_a", s.VenueA.Address); err != nil {
			return err
		}
		if err := checkAddress("strategies."+s.Name+".venue_b", s.VenueB.Address); err != nil {
			return err
		}
		if strings.EqualFold(s.VenueA.Address, s.VenueB.Address) {
			return fmt.Errorf("策略 %s 的两个场所地址相同", s.Name)
		}
		if err := checkSplit("策略 "+s.Name, s.Split); err != nil {
			return err
		}
		if s.Target != nil {
			if err := checkSplit("策略 "+s.Name+" target", *s.Target); err != nil {
				return err
			}
		}
		if s.SlippageBps > 10000 {
			return fmt.Errorf("策略 %s slippage_bps 必须在 0 到 10000 之间", s.Name)
		}
		for _, r := range s.RewardTokens {
			if !symbols[strings.ToUpper(r)] {
				return fmt.Errorf("策略 %s 引用了未知奖励代币: %s", s.Name, r)
			}
			if strings.EqualFold(r, s.BaseAsset) {
				return fmt.Errorf("策略 %s 的奖励代币不能是基础资产", s.Name)
			}
		}
		if s.InitialDeposit != "" {
			if v, err := decimal.NewFromString(s.InitialDeposit); err != nil || v.IsNegative() {
				return fmt.Errorf("策略 %s initial_deposit 无效: %q", s.Name, s.InitialDeposit)
			}
		}
	}

	switch c.Journal.Backend {
	case "", "badger":
	case "json":
		if c.Journal.InMemory || c.Journal.Path == "" {
			return fmt.Errorf("journal.backend=json 需要 journal.path，且不支持 in_memory")
		}
	default:
		return fmt.Errorf("journal.backend 无效: %q (支持 badger, json)", c.Journal.Backend)
	}

	if _, err := cron.ParseStandard(c.Keeper.Schedule); err != nil {
		return fmt.Errorf("keeper.schedule 无效: %w", err)
	}
	return nil
}

func checkAddress(name, addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%s 不是有效地址: %q", name, addr)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("%s 不能是零地址", name)
	}
	return nil
}

func checkSplit(name string, s SplitConfig) error {
	if uint64(s.A)+uint64(s.B) != 10000 {
		return fmt.Errorf("%s 比例之和必须为 10000: %d+%d", name, s.A, s.B)
	}
	return nil
}

// getValueFromSources 配置文件值优先，其次环境变量
func getValueFromSources(configValue, envValue string) string {
	if configValue != "" {
		return configValue
	}
	return envValue
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
