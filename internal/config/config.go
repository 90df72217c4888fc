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

	speechmodel "github.com/zhouzirui/z-coach/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	AI     AIConfig
	Speech SpeechConfig
	Notify NotifyConfig
	Auth   AuthConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	st, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	notify, err := loadNotifyConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Store:  st,
		AI:     ai,
		Speech: speech,
		Notify: notify,
		Auth:   auth,
		Log:    loadLogConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	LongPollMaxWait time.Duration
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址与长轮询上限。
func loadServerConfig() (ServerConfig, error) {
	wait, err := parseDurationEnv("LONGPOLL_MAX_WAIT", 30*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, LongPollMaxWait: wait, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, LongPollMaxWait: wait, ShutdownTimeout: shutdown}, nil
}

const (
	StoreDriverMemory = "memory"
	StoreDriverSQLite = "sqlite"
)

// StoreConfig 选择 turn 存储实现。
type StoreConfig struct {
	Driver     string
	SQLitePath string
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", StoreDriverSQLite))
	if driver != StoreDriverMemory && driver != StoreDriverSQLite {
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q", driver)
	}
	return StoreConfig{
		Driver:     driver,
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "data/coach.db"),
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	TurnTimeout    time.Duration
	MaxConcurrency int
	ReviewEnabled  bool
	HistoryLimit   int
	NativeLanguage string
}

// SpeechConfig 描述语音服务相关配置。
type SpeechConfig struct {
	speechmodel.Config
	// TTSEnabled 控制助手回复是否合成语音。
	TTSEnabled bool
	AudioDir   string
}

// NotifyConfig 描述跨副本完成通知；RedisAddr 为空时只在进程内通知。
// MaxLen 是 stream 的近似长度上限。
type NotifyConfig struct {
	RedisAddr string
	Stream    string
	Group     string
	Consumer  string
	MaxLen    int64
}

// AuthConfig 保存 bearer token 到用户 ID 的映射。
type AuthConfig struct {
	Tokens map[string]string
}

// LogConfig 日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string // json | console
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
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
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	turnTimeout, err := parseDurationEnv("AI_TURN_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	reviewEnabled, err := parseBoolEnv("AI_REVIEW_ENABLED", true)
	if err != nil {
		return AIConfig{}, err
	}

	concurrency := 8
	if override, err := parseOptionalIntEnv("AI_MAX_CONCURRENCY"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		concurrency = max(*override, 1)
	}

	history := 20
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		history = max(*override, 1)
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		TurnTimeout:    turnTimeout,
		MaxConcurrency: concurrency,
		ReviewEnabled:  reviewEnabled,
		HistoryLimit:   history,
		NativeLanguage: getEnvOrDefault("AI_NATIVE_LANGUAGE", "zh-CN"),
	}, nil
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseDurationEnv("SPEECH_TIMEOUT", 30*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	interval, err := parseDurationEnv("SPEECH_ASR_CHUNK_INTERVAL", 200*time.Millisecond)
	if err != nil {
		return SpeechConfig{}, err
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0) // 默认1.0倍速
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = *volume
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	ttsEnabled, err := parseBoolEnv("SPEECH_TTS_ENABLED", true)
	if err != nil {
		return SpeechConfig{}, err
	}

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	cfg := speechmodel.Config{
		AppID:            strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:      accessToken,
		ConcurrentMode:   concurrent,
		ASRURL:           getEnvOrDefault("SPEECH_ASR_URL", ""),
		ASRLanguage:      getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
		ASRChunkInterval: interval,
		TTSURL:           getEnvOrDefault("SPEECH_TTS_URL", ""),
		TTSVoice:         getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:         ttsSpeed,
		TTSVolume:        ttsVolume,
		TTSLanguage:      getEnvOrDefault("SPEECH_TTS_LANGUAGE", "en-US"),
		TTSFormat:        getEnvOrDefault("SPEECH_TTS_FORMAT", "mp3"),
		Timeout:          timeout,
	}

	return SpeechConfig{
		Config:     cfg,
		TTSEnabled: ttsEnabled && cfg.Enabled(),
		AudioDir:   getEnvOrDefault("AUDIO_DIR", "data/audio"),
	}, nil
}

func loadNotifyConfig() (NotifyConfig, error) {
	maxLen := int64(10000)
	if raw := strings.TrimSpace(os.Getenv("NOTIFY_STREAM_MAXLEN")); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || val <= 0 {
			return NotifyConfig{}, fmt.Errorf("invalid NOTIFY_STREAM_MAXLEN value %q", raw)
		}
		maxLen = val
	}

	host, _ := os.Hostname()
	return NotifyConfig{
		RedisAddr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Stream:    getEnvOrDefault("NOTIFY_STREAM", "coach.turns.completed"),
		Group:     getEnvOrDefault("NOTIFY_GROUP", "coach-api"),
		Consumer:  getEnvOrDefault("NOTIFY_CONSUMER", host),
		MaxLen:    maxLen,
	}, nil
}

// loadAuthConfig 解析 AUTH_TOKENS，格式为 "token:user,token2:user2"。
func loadAuthConfig() (AuthConfig, error) {
	tokens := make(map[string]string)
	raw := strings.TrimSpace(os.Getenv("AUTH_TOKENS"))
	if raw == "" {
		return AuthConfig{Tokens: tokens}, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return AuthConfig{}, fmt.Errorf("invalid AUTH_TOKENS entry %q", pair)
		}
		tokens[token] = user
	}
	return AuthConfig{Tokens: tokens}, nil
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}
