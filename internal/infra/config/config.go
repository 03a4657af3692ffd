// Пакет config отвечает за сбор и предоставление конфигурации харвестера. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения вместо падения на несущественных настройках,
//  4. предоставляет потокобезопасный доступ к результату.
//
// Обязательны только адрес платформы и собственный идентификатор; всё
// остальное имеет значения по умолчанию. Интервалы темпа задаются строкой
// "1000" (фиксированный) или "1000-1500" (случайный из диапазона) в миллисекундах
// и прижимаются к [200, 10000].
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"energy-harvester/internal/infra/throttle"
	"energy-harvester/internal/infra/timeutil"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
type EnvConfig struct {
	APIBaseURL  string
	SelfID      string
	LogLevel    string
	AppTimezone string
	StateFile   string
	// Темп и повторы. Каждая операция платформы выдерживает свой интервал.
	QueryInterval   throttle.Policy // list_resources
	CollectInterval throttle.Policy // collect, batch_collect, grant
	RankingInterval throttle.Policy // ranking
	FillInterval    throttle.Policy // fill_ranking
	RechainInterval throttle.Policy // пауза перед повторной цепочкой
	RetryInterval   time.Duration
	MaxTries        int
	GlobalRPS       float64
	// Планирование и проходы
	AdvanceLead     time.Duration
	CheckInterval   time.Duration
	RunWaitTimeout  time.Duration
	BreakerCooldown time.Duration
	PoolSize        int
	RunTimes        []string
	// Ответный подарок
	GrantThresholds map[int]int64
	// Коды платформы
	ThrottleCode       string
	AlreadyClaimedCode string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel           = "info"
	defaultAppTimezone        = "Asia/Shanghai"
	defaultStateFile          = "data/state.bbolt"
	defaultQueryInterval      = "1000-1500"
	defaultCollectInterval    = "200"
	defaultRankingInterval    = "200"
	defaultFillInterval       = "500"
	defaultRechainInterval    = "1000"
	defaultRetryIntervalMS    = 2000
	defaultMaxTries           = 3
	defaultGlobalRPS          = 5
	defaultAdvanceLeadMS      = 300
	defaultCheckIntervalSec   = 1800
	defaultRunWaitTimeoutMin  = 30
	defaultBreakerCooldownMin = 30
	defaultPoolSize           = 8
	defaultThrottleCode       = "1004"
	defaultAlreadyClaimedCode = "PARAM_ILLEGAL2"
	// Файловое логирование (LOG_FILE не имеет дефолта - должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

// Границы интервалов темпа. Пауза повторной цепочки ограничена сильнее.
const (
	MinInterval        = 200 * time.Millisecond
	MaxInterval        = 10 * time.Second
	MaxRechainInterval = 5 * time.Second
)

var defaultRunTimes = []string{"07:00", "07:30"}

var (
	cfgInstance *Config
	cfgDone     bool
	loadMu      sync.Mutex
)

// ErrAlreadyLoaded возвращается при повторном Load.
var ErrAlreadyLoaded = errors.New("config already loaded")

// Load: точка входа для инициализации глобальной конфигурации. Повторный
// вызов запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	loadMu.Lock()
	defer loadMu.Unlock()
	if cfgDone {
		return ErrAlreadyLoaded
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
// состояния. Отсутствующий .env не ошибка: значения могут прийти из окружения.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "load .env")
			}
			appendWarningf(&warnings, "env file %q not found; using process environment", envPath)
		}
	}

	baseURL := strings.TrimSpace(os.Getenv("API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("env API_BASE_URL must be set")
	}
	selfID := strings.TrimSpace(os.Getenv("SELF_ID"))
	if selfID == "" {
		return nil, errors.New("env SELF_ID must be set")
	}

	logLevel := sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	appTimezone := sanitizeTimezoneFlexible(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warnings)
	stateFile := sanitizeFile("STATE_FILE", os.Getenv("STATE_FILE"), defaultStateFile, &warnings)

	queryInterval := parsePolicyDefault("QUERY_INTERVAL", defaultQueryInterval, MaxInterval, &warnings)
	collectInterval := parsePolicyDefault("COLLECT_INTERVAL", defaultCollectInterval, MaxInterval, &warnings)
	rankingInterval := parsePolicyDefault("RANKING_INTERVAL", defaultRankingInterval, MaxInterval, &warnings)
	fillInterval := parsePolicyDefault("FILL_INTERVAL", defaultFillInterval, MaxInterval, &warnings)
	rechainInterval := parsePolicyDefault("RECHAIN_INTERVAL", defaultRechainInterval, MaxRechainInterval, &warnings)
	retryMS := parseIntDefault("RETRY_INTERVAL_MS", defaultRetryIntervalMS, nonNegative, &warnings)
	maxTries := parseIntDefault("MAX_TRIES", defaultMaxTries, greaterThanZero, &warnings)
	globalRPS := parseFloatDefault("GLOBAL_RPS", defaultGlobalRPS, &warnings)

	advanceMS := parseIntDefault("ADVANCE_LEAD_MS", defaultAdvanceLeadMS, nonNegative, &warnings)
	checkSec := parseIntDefault("CHECK_INTERVAL_SEC", defaultCheckIntervalSec, greaterThanZero, &warnings)
	waitMin := parseIntDefault("RUN_WAIT_TIMEOUT_MIN", defaultRunWaitTimeoutMin, greaterThanZero, &warnings)
	cooldownMin := parseIntDefault("BREAKER_COOLDOWN_MIN", defaultBreakerCooldownMin, greaterThanZero, &warnings)
	poolSize := parseIntDefault("POOL_SIZE", defaultPoolSize, greaterThanZero, &warnings)
	runTimes := sanitizeSchedule("RUN_TIMES", os.Getenv("RUN_TIMES"), defaultRunTimes, &warnings)
	grants := parseGrantThresholds(os.Getenv("GRANT_THRESHOLDS"), &warnings)

	throttleCode := sanitizeFile("THROTTLE_CODE", os.Getenv("THROTTLE_CODE"), defaultThrottleCode, &warnings)
	claimedCode := sanitizeFile("ALREADY_CLAIMED_CODE", os.Getenv("ALREADY_CLAIMED_CODE"),
		defaultAlreadyClaimedCode, &warnings)

	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	if _, err := timeutil.ParseLocation(appTimezone); err != nil {
		return nil, errors.Wrapf(err, "invalid APP_TIMEZONE %q", appTimezone)
	}

	env := EnvConfig{
		APIBaseURL:         baseURL,
		SelfID:             selfID,
		LogLevel:           logLevel,
		AppTimezone:        appTimezone,
		StateFile:          stateFile,
		QueryInterval:      queryInterval,
		CollectInterval:    collectInterval,
		RankingInterval:    rankingInterval,
		FillInterval:       fillInterval,
		RechainInterval:    rechainInterval,
		RetryInterval:      time.Duration(retryMS) * time.Millisecond,
		MaxTries:           maxTries,
		GlobalRPS:          globalRPS,
		AdvanceLead:        time.Duration(advanceMS) * time.Millisecond,
		CheckInterval:      time.Duration(checkSec) * time.Second,
		RunWaitTimeout:     time.Duration(waitMin) * time.Minute,
		BreakerCooldown:    time.Duration(cooldownMin) * time.Minute,
		PoolSize:           poolSize,
		RunTimes:           runTimes,
		GrantThresholds:    grants,
		ThrottleCode:       throttleCode,
		AlreadyClaimedCode: claimedCode,
		LogFile:            logFile,
		LogFileLevel:       logFileLevel,
		LogFileMaxSize:     logFileMaxSize,
		LogFileMaxBackups:  logFileMaxBackups,
		LogFileMaxAge:      logFileMaxAge,
		LogFileCompress:    logFileCompress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return slices.Clone(cfgInstance.warnings)
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator: возвращает defaultVal и пишет предупреждение.
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

// parseFloatDefault читает name как неотрицательное число с плавающей точкой.
func parseFloatDefault(name string, defaultVal float64, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 {
		appendWarningf(warnings, "env %s value %q is invalid; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parsePolicyDefault читает интервал темпа ("1000" или "1000-1500", мс),
// прижатый к [MinInterval, hi].
func parsePolicyDefault(name, defaultVal string, hi time.Duration, warnings *[]string) throttle.Policy {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		value = defaultVal
	}
	p, err := throttle.ParsePolicy(value, MinInterval, hi)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, value, defaultVal)
		p, _ = throttle.ParsePolicy(defaultVal, MinInterval, hi)
	}
	return p
}

// parseGrantThresholds разбирает "33:300,18:150,10:50" (подарок:порог собранного).
// Пустое значение отключает ответные подарки.
func parseGrantThresholds(value string, warnings *[]string) map[int]int64 {
	raw := strings.TrimSpace(value)
	out := make(map[int]int64, 3)
	if raw == "" {
		return out
	}
	for _, part := range strings.Split(raw, ",") {
		countRaw, thresholdRaw, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			appendWarningf(warnings, "env GRANT_THRESHOLDS entry %q is invalid; expected COUNT:THRESHOLD", part)
			continue
		}
		count, err1 := strconv.Atoi(strings.TrimSpace(countRaw))
		threshold, err2 := strconv.ParseInt(strings.TrimSpace(thresholdRaw), 10, 64)
		if err1 != nil || err2 != nil || count <= 0 || threshold < 0 {
			appendWarningf(warnings, "env GRANT_THRESHOLDS entry %q is invalid; expected COUNT:THRESHOLD", part)
			continue
		}
		out[count] = threshold
	}
	return out
}

// appendWarningf: служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// parseBoolDefault читает name как bool. Если пусто/некорректно: возвращает defaultVal и пишет предупреждение.
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

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения набором
// {debug, info, warn, error}.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает непустое значение или fallback с предупреждением.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeTimezoneFlexible проверяет, что значение: корректная IANA‑зона или UTC‑смещение.
func sanitizeTimezoneFlexible(value string, fallback string, warnings *[]string) string {
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

// sanitizeSchedule парсит CSV "HH:MM,HHMM,...", отбрасывает некорректные
// записи и дубликаты. При пустом результате подставляет fallback.
func sanitizeSchedule(name, value string, fallback []string, warnings *[]string) []string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, fallback)
		return slices.Clone(fallback)
	}

	seen := make(map[string]struct{})
	result := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		if !timeutil.IsValidScheduleEntry(token) {
			appendWarningf(warnings, "env %s entry %q is invalid; expected HH:MM", name, token)
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		result = append(result, token)
	}

	if len(result) == 0 {
		appendWarningf(warnings, "env %s produced empty schedule; using default %v", name, fallback)
		return slices.Clone(fallback)
	}
	return result
}
