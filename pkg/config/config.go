package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentsConfig AI 代理配置
type AgentsConfig struct {
	IDs               []string // 启用的代理列表，例如 ["fundamental", "technical", "sentiment", "macro"]
	Endpoint          string   // AI 提供方 HTTP 端点
	TimeoutSeconds    int      // 单个代理请求超时（秒），默认 30
	RefreshSeconds    int      // 意见缓存刷新间隔（秒），默认 300；窗口内的重复采集直接命中缓存
	RequestsPerSecond int      // 对提供方的限流（令牌桶补充速率），默认 4
	RequestBurst      int      // 限流桶容量，默认 8
}

// ConsensusConfig 共识阈值配置
type ConsensusConfig struct {
	StrongVarianceMax   float64 // σ² 低于此值为强共识，默认 0.05
	ModerateVarianceMax float64 // σ² 低于此值为中等共识，默认 0.15
}

// RiskBand 风险等级区间：置信度 >= MinConfidence 时命中该等级（按序匹配第一条）
type RiskBand struct {
	MinConfidence float64
	Level         string // low / medium / high
}

// SizingConfig 头寸规模配置
type SizingConfig struct {
	PositionSizePercent   float64    // 单笔头寸占组合比例，例如 0.0044 = 0.44%
	MinTradeUnit          int64      // 券商最小可交易单位（股），默认 1
	PriceFreshnessSeconds int        // 报价新鲜度窗口（秒），超出则标记 StalePrice，默认 60
	RecommendationTTL     int        // 建议有效期（秒），0 = 不过期
	TargetGainPercent     float64    // 目标价相对现价的涨幅，默认 0.10
	StopLossPercent       float64    // 止损价相对现价的跌幅，默认 0.05
	RiskBands             []RiskBand // 置信度 → 风险等级映射（按序匹配）
}

// ExecutionConfig 执行配置
type ExecutionConfig struct {
	DryRun               bool   // 纸交易模式：不触碰真实下单端点
	BrokerEndpoint       string // 券商 API 端点
	MaxConsecutiveErrors int64  // 连续真实下单失败熔断阈值，默认 3（<=0 关闭）
}

// PersistenceConfig 审批账本持久化配置（可选）
type PersistenceConfig struct {
	Enabled bool   // 是否跨重启保留审批账本与建议集
	DataDir string // JSON 快照目录，默认 data
}

// Config 应用配置
type Config struct {
	Agents      AgentsConfig
	Consensus   ConsensusConfig
	Sizing      SizingConfig
	Execution   ExecutionConfig
	Persistence PersistenceConfig
	Watchlist   []string // 分析标的列表；为空时只接受摄入边界推送的建议
	LogLevel    string   // 日志级别
	LogFile     string   // 日志文件路径（可选）
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

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Agents struct {
		IDs               []string `yaml:"ids" json:"ids"`
		Endpoint          string   `yaml:"endpoint" json:"endpoint"`
		TimeoutSeconds    int      `yaml:"timeout_seconds" json:"timeout_seconds"`
		RefreshSeconds    int      `yaml:"refresh_seconds" json:"refresh_seconds"`
		RequestsPerSecond int      `yaml:"requests_per_second" json:"requests_per_second"`
		RequestBurst      int      `yaml:"request_burst" json:"request_burst"`
	} `yaml:"agents" json:"agents"`
	Consensus struct {
		StrongVarianceMax   float64 `yaml:"strong_variance_max" json:"strong_variance_max"`
		ModerateVarianceMax float64 `yaml:"moderate_variance_max" json:"moderate_variance_max"`
	} `yaml:"consensus" json:"consensus"`
	Sizing struct {
		PositionSizePercent   float64 `yaml:"position_size_percent" json:"position_size_percent"`
		MinTradeUnit          int64   `yaml:"min_trade_unit" json:"min_trade_unit"`
		PriceFreshnessSeconds int     `yaml:"price_freshness_seconds" json:"price_freshness_seconds"`
		RecommendationTTL     int     `yaml:"recommendation_ttl_seconds" json:"recommendation_ttl_seconds"`
		TargetGainPercent     float64 `yaml:"target_gain_percent" json:"target_gain_percent"`
		StopLossPercent       float64 `yaml:"stop_loss_percent" json:"stop_loss_percent"`
		RiskBands             []struct {
			MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
			Level         string  `yaml:"level" json:"level"`
		} `yaml:"risk_bands" json:"risk_bands"`
	} `yaml:"sizing" json:"sizing"`
	Execution struct {
		DryRun               bool   `yaml:"dry_run" json:"dry_run"`
		BrokerEndpoint       string `yaml:"broker_endpoint" json:"broker_endpoint"`
		MaxConsecutiveErrors int64  `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	} `yaml:"execution" json:"execution"`
	Persistence struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		DataDir string `yaml:"data_dir" json:"data_dir"`
	} `yaml:"persistence" json:"persistence"`
	Watchlist []string `yaml:"watchlist" json:"watchlist"`
	LogLevel  string   `yaml:"log_level" json:"log_level"`
	LogFile   string   `yaml:"log_file" json:"log_file"`
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置
// 优先级：配置文件 > 环境变量 > 默认值
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	// 尝试加载配置文件
	var configFile *ConfigFile
	if filePath != "" {
		var err error
		configFile, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	config := &Config{
		Agents: AgentsConfig{
			IDs: func() []string {
				if configFile != nil && len(configFile.Agents.IDs) > 0 {
					return configFile.Agents.IDs
				}
				return parseListEnv("AGENT_IDS", []string{"fundamental", "technical", "sentiment", "macro"})
			}(),
			Endpoint: func() string {
				if configFile != nil && configFile.Agents.Endpoint != "" {
					return configFile.Agents.Endpoint
				}
				return getEnv("AGENT_ENDPOINT", "")
			}(),
			TimeoutSeconds:    intFrom(configFile != nil, cfInt(configFile, func(cf *ConfigFile) int { return cf.Agents.TimeoutSeconds }), parseIntEnv("AGENT_TIMEOUT_SECONDS", 30)),
			RefreshSeconds:    intFrom(configFile != nil, cfInt(configFile, func(cf *ConfigFile) int { return cf.Agents.RefreshSeconds }), parseIntEnv("AGENT_REFRESH_SECONDS", 300)),
			RequestsPerSecond: intFrom(configFile != nil, cfInt(configFile, func(cf *ConfigFile) int { return cf.Agents.RequestsPerSecond }), parseIntEnv("AGENT_REQUESTS_PER_SECOND", 4)),
			RequestBurst:      intFrom(configFile != nil, cfInt(configFile, func(cf *ConfigFile) int { return cf.Agents.RequestBurst }), parseIntEnv("AGENT_REQUEST_BURST", 8)),
		},
		Consensus: ConsensusConfig{
			StrongVarianceMax:   floatFrom(configFile != nil, cfFloat(configFile, func(cf *ConfigFile) float64 { return cf.Consensus.StrongVarianceMax }), parseFloatEnv("CONSENSUS_STRONG_VARIANCE_MAX", 0.05)),
			ModerateVarianceMax: floatFrom(configFile != nil, cfFloat(configFile, func(cf *ConfigFile) float64 { return cf.Consensus.ModerateVarianceMax }), parseFloatEnv("CONSENSUS_MODERATE_VARIANCE_MAX", 0.15)),
		},
		Sizing: SizingConfig{
			PositionSizePercent:   floatFrom(configFile != nil, cfFloat(configFile, func(cf *ConfigFile) float64 { return cf.Sizing.PositionSizePercent }), parseFloatEnv("SIZING_POSITION_SIZE_PERCENT", 0.01)),
			MinTradeUnit:          int64From(configFile != nil, cfInt64(configFile, func(cf *ConfigFile) int64 { return cf.Sizing.MinTradeUnit }), int64(parseIntEnv("SIZING_MIN_TRADE_UNIT", 1))),
			PriceFreshnessSeconds: intFrom(configFile != nil, cfInt(configFile, func(cf *ConfigFile) int { return cf.Sizing.PriceFreshnessSeconds }), parseIntEnv("SIZING_PRICE_FRESHNESS_SECONDS", 60)),
			RecommendationTTL:     intFrom(configFile != nil, cfInt(configFile, func(cf *ConfigFile) int { return cf.Sizing.RecommendationTTL }), parseIntEnv("SIZING_RECOMMENDATION_TTL_SECONDS", 0)),
			TargetGainPercent:     floatFrom(configFile != nil, cfFloat(configFile, func(cf *ConfigFile) float64 { return cf.Sizing.TargetGainPercent }), parseFloatEnv("SIZING_TARGET_GAIN_PERCENT", 0.10)),
			StopLossPercent:       floatFrom(configFile != nil, cfFloat(configFile, func(cf *ConfigFile) float64 { return cf.Sizing.StopLossPercent }), parseFloatEnv("SIZING_STOP_LOSS_PERCENT", 0.05)),
			RiskBands:             parseRiskBands(configFile),
		},
		Execution: ExecutionConfig{
			DryRun: func() bool {
				if configFile != nil {
					return configFile.Execution.DryRun
				}
				return parseBoolEnv("DRY_RUN", true) // 默认纸交易，真实交易必须显式开启
			}(),
			BrokerEndpoint: func() string {
				if configFile != nil && configFile.Execution.BrokerEndpoint != "" {
					return configFile.Execution.BrokerEndpoint
				}
				return getEnv("BROKER_ENDPOINT", "")
			}(),
			MaxConsecutiveErrors: int64From(configFile != nil, cfInt64(configFile, func(cf *ConfigFile) int64 { return cf.Execution.MaxConsecutiveErrors }), int64(parseIntEnv("EXECUTION_MAX_CONSECUTIVE_ERRORS", 3))),
		},
		Persistence: PersistenceConfig{
			Enabled: func() bool {
				if configFile != nil {
					return configFile.Persistence.Enabled
				}
				return parseBoolEnv("PERSISTENCE_ENABLED", false)
			}(),
			DataDir: func() string {
				if configFile != nil && configFile.Persistence.DataDir != "" {
					return configFile.Persistence.DataDir
				}
				return getEnv("PERSISTENCE_DATA_DIR", "data")
			}(),
		},
		Watchlist: func() []string {
			if configFile != nil && len(configFile.Watchlist) > 0 {
				return configFile.Watchlist
			}
			return parseListEnv("WATCHLIST", nil)
		}(),
		LogLevel: func() string {
			if configFile != nil && configFile.LogLevel != "" {
				return configFile.LogLevel
			}
			return getEnv("LOG_LEVEL", "info")
		}(),
		LogFile: func() string {
			if configFile != nil && configFile.LogFile != "" {
				return configFile.LogFile
			}
			return getEnv("LOG_FILE", "logs/combined.log")
		}(),
	}

	// 验证配置
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = config
	configFilePath = filePath
	return config, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}

	return &configFile, nil
}

// parseRiskBands 解析风险等级区间（缺省时使用内置映射）
func parseRiskBands(configFile *ConfigFile) []RiskBand {
	if configFile != nil && len(configFile.Sizing.RiskBands) > 0 {
		bands := make([]RiskBand, 0, len(configFile.Sizing.RiskBands))
		for _, b := range configFile.Sizing.RiskBands {
			bands = append(bands, RiskBand{MinConfidence: b.MinConfidence, Level: b.Level})
		}
		return bands
	}
	// 默认：高置信度 → 低风险
	return []RiskBand{
		{MinConfidence: 0.8, Level: "low"},
		{MinConfidence: 0.6, Level: "medium"},
		{MinConfidence: 0, Level: "high"},
	}
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if len(c.Agents.IDs) == 0 {
		return fmt.Errorf("至少需要启用一个 AI 代理")
	}
	if c.Agents.TimeoutSeconds <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT_SECONDS 必须大于 0")
	}
	if c.Agents.RefreshSeconds <= 0 {
		return fmt.Errorf("AGENT_REFRESH_SECONDS 必须大于 0")
	}
	if c.Consensus.StrongVarianceMax <= 0 {
		return fmt.Errorf("CONSENSUS_STRONG_VARIANCE_MAX 必须大于 0")
	}
	if c.Consensus.ModerateVarianceMax <= c.Consensus.StrongVarianceMax {
		return fmt.Errorf("CONSENSUS_MODERATE_VARIANCE_MAX 必须大于强共识阈值")
	}
	if c.Sizing.PositionSizePercent <= 0 || c.Sizing.PositionSizePercent >= 1 {
		return fmt.Errorf("SIZING_POSITION_SIZE_PERCENT 必须在 0 到 1 之间")
	}
	if c.Sizing.MinTradeUnit <= 0 {
		return fmt.Errorf("SIZING_MIN_TRADE_UNIT 必须大于 0")
	}
	if len(c.Sizing.RiskBands) == 0 {
		return fmt.Errorf("风险等级区间 risk_bands 不能为空")
	}
	for _, b := range c.Sizing.RiskBands {
		switch b.Level {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("未知的风险等级: %s", b.Level)
		}
	}
	if !c.Execution.DryRun && c.Execution.BrokerEndpoint == "" {
		return fmt.Errorf("真实交易模式下 BROKER_ENDPOINT 不能为空")
	}
	return nil
}

// cfInt 安全地从配置文件取整数值
func cfInt(cf *ConfigFile, getter func(*ConfigFile) int) int {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

// cfInt64 安全地从配置文件取 int64 值
func cfInt64(cf *ConfigFile, getter func(*ConfigFile) int64) int64 {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

// cfFloat 安全地从配置文件取浮点数值
func cfFloat(cf *ConfigFile, getter func(*ConfigFile) float64) float64 {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

// intFrom 从多个源获取整数值
// 配置文件存在但字段为 0 时回退到环境变量/默认值
func intFrom(hasConfig bool, configValue, envValue int) int {
	if hasConfig && configValue > 0 {
		return configValue
	}
	return envValue
}

// int64From 从多个源获取 int64 值
func int64From(hasConfig bool, configValue, envValue int64) int64 {
	if hasConfig && configValue > 0 {
		return configValue
	}
	return envValue
}

// floatFrom 从多个源获取浮点数值
func floatFrom(hasConfig bool, configValue, envValue float64) float64 {
	if hasConfig && configValue > 0 {
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

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
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

// parseListEnv 解析逗号分隔的列表环境变量
func parseListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
