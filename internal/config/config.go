package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Feature holds the price and XP reward of one paid generation feature.
type Feature struct {
	Cost int
	XP   int
}

// Config aggregates runtime configuration for the API server and the worker.
type Config struct {
	ListenAddr     string
	LogLevel       string
	MySQLDSN       string
	MySQLMaxConns  int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	JWTSecret      string
	InternalSecret string

	GeminiBaseURL    string
	GeminiImageModel string
	GeminiTextModel  string
	RequestTimeout   time.Duration

	StartingDiamonds    int
	Generate            Feature
	RemoveBackground    Feature
	FaceID              Feature
	Tool                Feature
	GroupUnitCost       int
	GroupXPPerUnit      int
	GroupMaxMembers     int
	GroupStepDelay      time.Duration
	GroupJobTimeout     time.Duration
	GroupQueueKey       string
	CheckInReward       int
	CheckInStreakBonus  int
	ShareReward         int
	StaleJobAfter       time.Duration
	SweepSchedule       string
	OutboxKey           string
	OutboxMaxAttempts   int
	OutboxPollInterval  time.Duration
	OutboxRetryBaseWait time.Duration

	PayOSBaseURL     string
	PayOSClientID    string
	PayOSAPIKey      string
	PayOSChecksumKey string
	PayOSReturnURL   string
	PayOSCancelURL   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string

	TelegramBotToken    string
	TelegramAlertChatID int64
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

	cfg := Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MySQLMaxConns:  getInt("MYSQL_MAX_CONNS", 10),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getInt("REDIS_DB", 0),
		InternalSecret: os.Getenv("INTERNAL_SECRET"),

		GeminiBaseURL:    normalizeBaseURL(getEnv("GEMINI_BASE_URL", defaultGeminiBaseURL), defaultGeminiBaseURL),
		GeminiImageModel: getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		GeminiTextModel:  getEnv("GEMINI_TEXT_MODEL", "gemini-2.5-flash"),
		RequestTimeout:   time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),

		StartingDiamonds:    getInt("STARTING_DIAMONDS", 5),
		Generate:            Feature{Cost: getInt("GENERATE_COST", 1), XP: getInt("GENERATE_XP", 10)},
		RemoveBackground:    Feature{Cost: getInt("BG_REMOVAL_COST", 1), XP: getInt("BG_REMOVAL_XP", 5)},
		FaceID:              Feature{Cost: getInt("FACE_ID_COST", 2), XP: getInt("FACE_ID_XP", 15)},
		Tool:                Feature{Cost: getInt("TOOL_COST", 1), XP: getInt("TOOL_XP", 5)},
		GroupUnitCost:       getInt("GROUP_UNIT_COST", 1),
		GroupXPPerUnit:      getInt("GROUP_XP_PER_UNIT", 10),
		GroupMaxMembers:     getInt("GROUP_MAX_MEMBERS", 6),
		GroupStepDelay:      getDuration("GROUP_STEP_DELAY", 3*time.Second),
		GroupJobTimeout:     getDuration("GROUP_JOB_TIMEOUT", 15*time.Minute),
		GroupQueueKey:       getEnv("GROUP_QUEUE_KEY", "gemstudio:group-jobs"),
		CheckInReward:       getInt("CHECK_IN_REWARD", 1),
		CheckInStreakBonus:  getInt("CHECK_IN_STREAK_BONUS", 0),
		ShareReward:         getInt("SHARE_REWARD", 1),
		StaleJobAfter:       getDuration("STALE_JOB_AFTER", 30*time.Minute),
		SweepSchedule:       getEnv("SWEEP_SCHEDULE", "@every 5m"),
		OutboxKey:           getEnv("OUTBOX_KEY", "gemstudio:outbox"),
		OutboxMaxAttempts:   getInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxPollInterval:  getDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxRetryBaseWait: getDuration("OUTBOX_RETRY_BASE_WAIT", 2*time.Second),

		PayOSBaseURL:   normalizeBaseURL(getEnv("PAYOS_BASE_URL", "https://api-merchant.payos.vn"), "https://api-merchant.payos.vn"),
		PayOSReturnURL: getEnv("PAYOS_RETURN_URL", ""),
		PayOSCancelURL: getEnv("PAYOS_CANCEL_URL", ""),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "generations"),

		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAlertChatID: getInt64("TELEGRAM_ALERT_CHAT_ID", 0),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.PayOSClientID = os.Getenv("PAYOS_CLIENT_ID")
	cfg.PayOSAPIKey = os.Getenv("PAYOS_API_KEY")
	cfg.PayOSChecksumKey = os.Getenv("PAYOS_CHECKSUM_KEY")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.InternalSecret == "" {
		missing = append(missing, "INTERNAL_SECRET")
	}
	if cfg.PayOSChecksumKey == "" {
		missing = append(missing, "PAYOS_CHECKSUM_KEY")
	}
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if cfg.S3PublicBaseURL == "" {
		missing = append(missing, "S3_PUBLIC_BASE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.GroupMaxMembers <= 0 {
		cfg.GroupMaxMembers = 1
	}
	if cfg.OutboxMaxAttempts <= 0 {
		cfg.OutboxMaxAttempts = 1
	}

	// A job still inside its worker or provider deadline must never look stale.
	if cfg.StaleJobAfter > 0 && (cfg.StaleJobAfter <= cfg.GroupJobTimeout || cfg.StaleJobAfter <= cfg.RequestTimeout) {
		return Config{}, fmt.Errorf("STALE_JOB_AFTER (%s) must exceed GROUP_JOB_TIMEOUT (%s) and HTTP_TIMEOUT_SECONDS (%s)",
			cfg.StaleJobAfter, cfg.GroupJobTimeout, cfg.RequestTimeout)
	}

	return cfg, nil
}

// normalizeBaseURL adds a scheme to bare hosts and strips trailing slashes.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed, err = url.Parse("https://" + raw)
		if err != nil {
			return fallback
		}
	}
	if parsed.Host == "" {
		return fallback
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// loadEnvFile loads the first env file found. A missing file is not an error:
// deployed functions get their environment from the platform.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
