package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/xaenox/tg-digest/internal/models"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

type TelegramConfig struct {
	Token           string  `mapstructure:"token"`
	OperatorChatIDs []int64 `mapstructure:"operator_chat_ids"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type OCRConfig struct {
	APIKey        string   `mapstructure:"api_key"`
	TesseractPath string   `mapstructure:"tesseract_path"`
	Languages     []string `mapstructure:"languages"`
	BatchLimit    int      `mapstructure:"batch_limit"`
}

type PipelineConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	MediaDir        string `mapstructure:"media_dir"`
	RepoDir         string `mapstructure:"repo_dir"`
	StateDir        string `mapstructure:"state_dir"`
	PromptsDir      string `mapstructure:"prompts_dir"`
	DailyHour       int    `mapstructure:"daily_hour"`
	Timezone        string `mapstructure:"timezone"`
	SourcesFile     string `mapstructure:"sources_file"`
}

// Registry is the tenant and source inventory, kept in a separate JSON file
// so it can be edited without touching process configuration.
type Registry struct {
	Tenants []models.Tenant `json:"tenants"`
	Sources []models.Source `json:"sources"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 2000)
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("ocr.languages", []string{"eng"})
	v.SetDefault("ocr.batch_limit", 50)
	v.SetDefault("pipeline.interval_seconds", 300)
	v.SetDefault("pipeline.media_dir", "data/media")
	v.SetDefault("pipeline.repo_dir", "data/repo")
	v.SetDefault("pipeline.state_dir", "data/state")
	v.SetDefault("pipeline.prompts_dir", "prompts")
	v.SetDefault("pipeline.daily_hour", 20)
	v.SetDefault("pipeline.timezone", "UTC")
	v.SetDefault("pipeline.sources_file", "sources.json")

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if apiKey := v.GetString("OCR_API_KEY"); apiKey != "" {
		config.OCR.APIKey = apiKey
	}

	return &config, nil
}

// LoadRegistry reads the tenant/source inventory.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) validate() error {
	tenants := make(map[int64]bool, len(r.Tenants))
	for _, t := range r.Tenants {
		if t.ID == 0 {
			return fmt.Errorf("tenant %q has no id", t.Name)
		}
		if tenants[t.ID] {
			return fmt.Errorf("duplicate tenant id %d", t.ID)
		}
		tenants[t.ID] = true
	}

	for _, s := range r.Sources {
		if s.ID == 0 {
			return fmt.Errorf("source %q has no id", s.Name)
		}
		if !tenants[s.TenantID] {
			return fmt.Errorf("source %d references unknown tenant %d", s.ID, s.TenantID)
		}
		switch s.Kind {
		case models.SourceChannel, models.SourceGroup, models.SourceChat:
		default:
			return fmt.Errorf("source %d has invalid kind %q", s.ID, s.Kind)
		}
	}
	return nil
}
