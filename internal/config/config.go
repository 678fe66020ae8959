package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Store     StoreConfig
	Inference InferenceConfig
	Knowledge KnowledgeConfig
	Context   ContextConfig
	AI        AIConfig
}

// Source 按键名返回配置值，未设置时返回空字符串。
type Source func(key string) string

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom 从任意键值来源加载配置，命令行工具用它叠加 viper 的配置。
func LoadFrom(src Source) (*Config, error) {
	server, err := src.loadServerConfig()
	if err != nil {
		return nil, err
	}

	store, err := src.loadStoreConfig()
	if err != nil {
		return nil, err
	}

	inference, err := src.loadInferenceConfig()
	if err != nil {
		return nil, err
	}

	knowledge, err := src.loadKnowledgeConfig()
	if err != nil {
		return nil, err
	}

	contextCfg, err := src.loadContextConfig()
	if err != nil {
		return nil, err
	}

	ai, err := src.loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Log:       src.loadLogConfig(),
		Store:     store,
		Inference: inference,
		Knowledge: knowledge,
		Context:   contextCfg,
		AI:        ai,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func (src Source) loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(src("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 描述日志级别与格式。
type LogConfig struct {
	Level  string
	Format string
}

func (src Source) loadLogConfig() LogConfig {
	return LogConfig{
		Level:  src.getEnvOrDefault("LOG_LEVEL", "info"),
		Format: src.getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

// Store drivers.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// StoreConfig 描述会话持久化后端。
type StoreConfig struct {
	Driver string
	Path   string
}

func (src Source) loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(src.getEnvOrDefault("STORE_DRIVER", StoreBadger))
	path := strings.TrimSpace(src("STORE_PATH"))

	switch driver {
	case StoreMemory:
	case StoreBadger:
		if path == "" {
			path = "data/sessions"
		}
	case StoreSQLite:
		if path == "" {
			path = "data/sessions.db"
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", driver)
	}
	return StoreConfig{Driver: driver, Path: path}, nil
}

// InferenceConfig 描述推理后端与生成状态机的参数。
type InferenceConfig struct {
	Backend         string
	Model           string
	RemoteURL       string
	RemoteAPIKey    string
	Temperature     float32
	MaxTokens       int
	PrepareTimeout  time.Duration
	GenerateTimeout time.Duration
	CancelGrace     time.Duration
	PersistEvery    int
}

func (src Source) loadInferenceConfig() (InferenceConfig, error) {
	cfg := InferenceConfig{
		Backend:      strings.ToLower(src.getEnvOrDefault("INFERENCE_BACKEND", "remote")),
		Model:        strings.TrimSpace(src("INFERENCE_MODEL")),
		RemoteURL:    src.getEnvOrDefault("REMOTE_API_URL", "https://api.openai.com/v1/chat/completions"),
		RemoteAPIKey: strings.TrimSpace(src("REMOTE_API_KEY")),
		Temperature:  0.7,
		MaxTokens:    1024,
		PersistEvery: 1,
	}

	temperature, err := src.parseOptionalFloatEnv("INFERENCE_TEMPERATURE")
	if err != nil {
		return InferenceConfig{}, err
	}
	if temperature != nil {
		cfg.Temperature = float32(*temperature)
	}

	maxTokens, err := src.parseOptionalIntEnv("INFERENCE_MAX_TOKENS")
	if err != nil {
		return InferenceConfig{}, err
	}
	if maxTokens != nil {
		cfg.MaxTokens = *maxTokens
	}

	persistEvery, err := src.parseOptionalIntEnv("PERSIST_EVERY")
	if err != nil {
		return InferenceConfig{}, err
	}
	if persistEvery != nil && *persistEvery > 0 {
		cfg.PersistEvery = *persistEvery
	}

	if cfg.PrepareTimeout, err = src.parseDurationEnv("PREPARE_TIMEOUT", 5*time.Minute); err != nil {
		return InferenceConfig{}, err
	}
	if cfg.GenerateTimeout, err = src.parseDurationEnv("GENERATE_TIMEOUT", 2*time.Minute); err != nil {
		return InferenceConfig{}, err
	}
	if cfg.CancelGrace, err = src.parseDurationEnv("CANCEL_GRACE", 2*time.Second); err != nil {
		return InferenceConfig{}, err
	}

	if cfg.Model == "" {
		switch cfg.Backend {
		case "local":
			cfg.Model = "qwen2.5:0.5b"
		case "ark":
			cfg.Model = strings.TrimSpace(src("Model"))
		default:
			cfg.Model = "gpt-4o-mini"
		}
	}
	return cfg, nil
}

// KnowledgeConfig 描述知识库与向量嵌入配置。
type KnowledgeConfig struct {
	Dir            string
	DBPath         string
	Embedder       string
	EmbeddingModel string
	EmbeddingURL   string
	TopK           int
	OpenAIAPIKey   string
	GeminiAPIKey   string
}

// Enabled 表示是否配置了嵌入服务。
func (c KnowledgeConfig) Enabled() bool {
	return c.Embedder != "" && c.Embedder != "none"
}

func (src Source) loadKnowledgeConfig() (KnowledgeConfig, error) {
	topK := 3
	if override, err := src.parseOptionalIntEnv("KNOWLEDGE_TOP_K"); err != nil {
		return KnowledgeConfig{}, err
	} else if override != nil && *override > 0 {
		topK = *override
	}

	return KnowledgeConfig{
		Dir:            strings.TrimSpace(src("KNOWLEDGE_DIR")),
		DBPath:         strings.TrimSpace(src("KNOWLEDGE_DB_PATH")),
		Embedder:       strings.ToLower(src.getEnvOrDefault("KNOWLEDGE_EMBEDDER", "none")),
		EmbeddingModel: strings.TrimSpace(src("KNOWLEDGE_EMBEDDING_MODEL")),
		EmbeddingURL:   strings.TrimSpace(src("KNOWLEDGE_EMBEDDING_URL")),
		TopK:           topK,
		OpenAIAPIKey:   strings.TrimSpace(src("OPENAI_API_KEY")),
		GeminiAPIKey:   strings.TrimSpace(src("GEMINI_API_KEY")),
	}, nil
}

// ContextConfig 描述上下文窗口与模式配置。
type ContextConfig struct {
	HistoryWindow int
	ModesFile     string
}

func (src Source) loadContextConfig() (ContextConfig, error) {
	window := 10
	if override, err := src.parseOptionalIntEnv("CONTEXT_HISTORY_WINDOW"); err != nil {
		return ContextConfig{}, err
	} else if override != nil {
		if *override < 1 {
			window = 1
		} else {
			window = *override
		}
	}
	return ContextConfig{
		HistoryWindow: window,
		ModesFile:     strings.TrimSpace(src("MODES_FILE")),
	}, nil
}

// AIConfig 描述 Ark 大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
}

// NewChatModel 使用配置创建一个模型实例，modelID 为空时使用配置中的模型。
func (c AIConfig) NewChatModel(ctx context.Context, modelID string) (model.BaseChatModel, error) {
	if modelID == "" {
		modelID = c.Model
	}
	if !c.Enabled() || modelID == "" {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       modelID,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func (src Source) loadAIConfig() (AIConfig, error) {
	temperature, err := src.parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := src.parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := src.parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(src("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(src("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(src("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(src("Model")),
		BaseURL:     src.getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      src.getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

func (src Source) getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(src(key)); value != "" {
		return value
	}
	return defaultValue
}

func (src Source) parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(src(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func (src Source) parseOptionalIntEnv(key string) (*int, error) {
	value := strings.TrimSpace(src(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 接受 Go 时长格式（如 "90s"）或纯秒数。
func (src Source) parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(src(key))
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
