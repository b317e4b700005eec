// Пакет config отвечает за сбор и предоставление конфигурации движка. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. предоставляет снимок конфигурации через singleton.
//
// Бизнес-контекст: движок соединяет Discord-гильдию с девятью «когнитивными
// комнатами» — именованными терминальными окнами на рабочей станции оператора.
// Конфиг среды управляет подключением к Discord, интервалами поллинга и
// стабилизации, таймаутами Ask-and-Predict, лимитами публикаций и путями
// к персистентному состоянию.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"intentguard/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
// Значения уже проходят минимальную валидацию и нормализацию в loadConfig;
// в рантайме предполагается, что EnvConfig последователен.
type EnvConfig struct {
	// Discord
	DiscordToken    string
	GuildID         string
	CategoryName    string
	AdminDiscordID  string
	AdminDiscordID2 string
	DiscordSendRPS  int

	// Данные и журналы
	DataDir         string
	HandlesFile     string
	HandlesSeedFile string
	RoomsFile       string

	// Поллер вывода
	PollIntervalMS  int
	TaskTimeoutMS   int
	StabilizationMS int
	ShellTimeoutMS  int

	// Steering Loop (Ask-and-Predict)
	AskPredictTimeoutMS      int
	RedirectGraceMS          int
	MaxConcurrentPredictions int
	UseSovereigntyTimeouts   bool

	// Очередь черновиков и LLM
	LLMBaseURL    string
	LLMModel      string
	MaxDailyPosts int

	// Transparency Reporter
	SpikeThreshold   float64
	ReportIntervalMS int

	// Drift Detector
	DriftIntervalMS int
	SpecDocPath     string
	PipelineDocPath string
	RepoRoot        string

	// Telegram-адаптер кросс-канального роутера (опционален; пустой APIHash выключает)
	TelegramAPIID       int
	TelegramAPIHash     string
	TelegramSessionFile string
	TelegramChatMapFile string
	TelegramRPS         int

	// Логирование
	LogLevel    string
	AppTimezone string
	LogFile     string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool

	// Локальная консоль
	CLIEnable bool
}

// Config хранит конфигурацию среды и накопленные предупреждения.
type Config struct {
	Env      EnvConfig
	warnings []string
}

// Значения по умолчанию для параметров окружения.
const (
	defaultCategoryName    = "intentguard"
	defaultDiscordSendRPS  = 2
	defaultDataDir         = "data"
	defaultHandlesFile     = "data/handles.bbolt"
	defaultHandlesSeed     = "assets/handles.json"
	defaultRoomsFile       = "assets/rooms.json"
	defaultPollIntervalMS  = 2000
	defaultTaskTimeoutMS   = 300_000
	defaultStabilizationMS = 5000
	defaultShellTimeoutMS  = 5000

	defaultAskPredictTimeoutMS = 30_000
	defaultRedirectGraceMS     = 10_000
	defaultMaxConcurrent       = 3

	defaultLLMBaseURL    = "http://127.0.0.1:11434"
	defaultLLMModel      = "llama3"
	defaultMaxDailyPosts = 5

	defaultSpikeThreshold   = 5.0
	defaultReportIntervalMS = 3_600_000

	defaultDriftIntervalMS = 1_800_000
	defaultSpecDocPath     = "docs/spec.md"
	defaultPipelineDocPath = "docs/pipeline.md"
	defaultRepoRoot        = "."

	defaultTelegramSession = "data/telegram-session.bin"
	defaultTelegramChatMap = "assets/telegram-map.json"
	defaultTelegramRPS     = 1

	defaultLogLevel          = "info"
	defaultAppTimezone       = "America/Los_Angeles"
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// AppLocation — глобальная таймзона приложения, вычисленная при загрузке конфига.
var AppLocation = time.Local

// Load — точка входа для инициализации глобальной конфигурации.
// Повторный вызов запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	// .env опционален: при деплое всё может приходить из реального окружения.
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	token := strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
	if token == "" {
		return nil, errors.New("env DISCORD_TOKEN must be set")
	}
	guildID := strings.TrimSpace(os.Getenv("DISCORD_GUILD_ID"))
	if guildID == "" {
		return nil, errors.New("env DISCORD_GUILD_ID must be set")
	}

	var warnings []string

	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	loc, err := timeutil.ParseLocation(appTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", appTimezone, err)
	}
	AppLocation = loc

	env := EnvConfig{
		DiscordToken:    token,
		GuildID:         guildID,
		CategoryName:    sanitizeString("DISCORD_CATEGORY", defaultCategoryName, &warnings),
		AdminDiscordID:  strings.TrimSpace(os.Getenv("ADMIN_DISCORD_ID")),
		AdminDiscordID2: strings.TrimSpace(os.Getenv("ADMIN_DISCORD_ID_2")),
		DiscordSendRPS:  parseIntDefault("DISCORD_SEND_RPS", defaultDiscordSendRPS, greaterThanZero, &warnings),

		DataDir:         sanitizeString("DATA_DIR", defaultDataDir, &warnings),
		HandlesFile:     sanitizeString("HANDLES_FILE", defaultHandlesFile, &warnings),
		HandlesSeedFile: sanitizeString("HANDLES_SEED_FILE", defaultHandlesSeed, &warnings),
		RoomsFile:       sanitizeString("ROOMS_FILE", defaultRoomsFile, &warnings),

		PollIntervalMS:  parseIntDefault("POLL_INTERVAL_MS", defaultPollIntervalMS, greaterThanZero, &warnings),
		TaskTimeoutMS:   parseIntDefault("TASK_TIMEOUT_MS", defaultTaskTimeoutMS, greaterThanZero, &warnings),
		StabilizationMS: parseIntDefault("STABILIZATION_MS", defaultStabilizationMS, greaterThanZero, &warnings),
		ShellTimeoutMS:  parseIntDefault("SHELL_TIMEOUT_MS", defaultShellTimeoutMS, greaterThanZero, &warnings),

		AskPredictTimeoutMS:      parseIntDefault("ASK_PREDICT_TIMEOUT_MS", defaultAskPredictTimeoutMS, greaterThanZero, &warnings),
		RedirectGraceMS:          parseIntDefault("REDIRECT_GRACE_MS", defaultRedirectGraceMS, nonNegative, &warnings),
		MaxConcurrentPredictions: parseIntDefault("MAX_CONCURRENT_PREDICTIONS", defaultMaxConcurrent, greaterThanZero, &warnings),
		UseSovereigntyTimeouts:   parseBoolDefault("USE_SOVEREIGNTY_TIMEOUTS", false, &warnings),

		LLMBaseURL:    sanitizeString("LLM_BASE_URL", defaultLLMBaseURL, &warnings),
		LLMModel:      sanitizeString("LLM_MODEL", defaultLLMModel, &warnings),
		MaxDailyPosts: parseIntDefault("MAX_DAILY_POSTS", defaultMaxDailyPosts, greaterThanZero, &warnings),

		SpikeThreshold:   parseFloatDefault("SPIKE_THRESHOLD", defaultSpikeThreshold, &warnings),
		ReportIntervalMS: parseIntDefault("REPORT_INTERVAL_MS", defaultReportIntervalMS, nonNegative, &warnings),

		DriftIntervalMS: parseIntDefault("DRIFT_INTERVAL_MS", defaultDriftIntervalMS, nonNegative, &warnings),
		SpecDocPath:     sanitizeString("SPEC_DOC_PATH", defaultSpecDocPath, &warnings),
		PipelineDocPath: sanitizeString("PIPELINE_DOC_PATH", defaultPipelineDocPath, &warnings),
		RepoRoot:        sanitizeString("REPO_ROOT", defaultRepoRoot, &warnings),

		TelegramAPIID:       parseIntDefault("TG_API_ID", 0, nonNegative, &warnings),
		TelegramAPIHash:     strings.TrimSpace(os.Getenv("TG_API_HASH")),
		TelegramSessionFile: sanitizeString("TG_SESSION_FILE", defaultTelegramSession, &warnings),
		TelegramChatMapFile: sanitizeString("TG_CHAT_MAP_FILE", defaultTelegramChatMap, &warnings),
		TelegramRPS:         parseIntDefault("TG_RPS", defaultTelegramRPS, greaterThanZero, &warnings),

		LogLevel:          sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		AppTimezone:       appTimezone,
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),

		CLIEnable: parseBoolDefault("CLI_ENABLE", false, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает предупреждения, накопленные при загрузке .env. Копия.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton — неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseFloatDefault читает name как float64 с тем же контрактом, что parseIntDefault.
func parseFloatDefault(name string, defaultVal float64, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %g", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — defaultVal плюс предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — накопление предупреждений о некорректных переменных окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "log level value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeString возвращает значение переменной name либо fallback с предупреждением.
func sanitizeString(name, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение — корректная IANA-зона или UTC-смещение.
func sanitizeTimezoneFlexible(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env APP_TIMEZONE is not set; using default %q", fallback)
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warnings, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}
