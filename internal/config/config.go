package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort  string
	LogLevel  string
	JWTSecret string

	StoreBackend string
	DBDriver     string
	DatabaseURL  string
	DataDir      string
	PasswordHash string

	GroqAPIKey    string
	GroqBaseURL   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	OllamaURL     string
	OllamaModel   string
	LocalFallback string

	DefaultMode string
	ModesFile   string

	ProviderRPS          float64
	PipelineWorkers      int
	PipelineStageTimeout time.Duration
	RequestTimeout       time.Duration

	// EnvFileLoaded reports whether a .env file was found.
	EnvFileLoaded bool
}

// Load reads .env (if present) and then the process environment.
// Missing provider keys are not errors; they disable that provider.
func Load() (*Config, error) {
	loaded := godotenv.Load() == nil

	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
		DBDriver:     getEnv("DB_DRIVER", "sqlite3"),
		DatabaseURL:  getEnv("DATABASE_URL", "primebud.db"),
		DataDir:      getEnv("DATA_DIR", "data"),
		PasswordHash: strings.ToLower(getEnv("PASSWORD_HASH", "sha256")),

		GroqAPIKey:    getEnv("GROQ_API_KEY", ""),
		GroqBaseURL:   getEnv("GROQ_BASE_URL", ""),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		OllamaURL:     getEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:   getEnv("OLLAMA_MODEL", "llama3.2"),
		LocalFallback: strings.ToLower(getEnv("LOCAL_FALLBACK", "")),

		DefaultMode: getEnv("DEFAULT_MODE", "v1_5"),
		ModesFile:   getEnv("MODES_FILE", ""),

		EnvFileLoaded: loaded,
	}

	var err error
	if cfg.ProviderRPS, err = getEnvAsFloat("PROVIDER_RPS", 0); err != nil {
		return nil, err
	}
	if cfg.PipelineWorkers, err = getEnvAsInt("PIPELINE_WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.PipelineStageTimeout, err = getEnvAsDuration("PIPELINE_STAGE_TIMEOUT", 45*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getEnvAsDuration("REQUEST_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}

	switch cfg.StoreBackend {
	case "sqlite", "json":
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be sqlite or json, got %q", cfg.StoreBackend)
	}
	if cfg.PipelineWorkers < 1 {
		return nil, errors.New("PIPELINE_WORKERS must be at least 1")
	}
	return cfg, nil
}

// ValidateServer checks the settings only the HTTP server needs.
func (c *Config) ValidateServer() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
