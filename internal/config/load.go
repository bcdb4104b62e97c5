package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Model providers supported for the planner and executor roles.
const (
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azureopenai"
)

// Sandbox drivers.
const (
	DriverDockerSDK = "docker-sdk"
	DriverDockerCLI = "docker-cli"
)

// LMRole configures one model role (planner or executor).
type LMRole struct {
	Provider        string
	APIKey          string
	ModelID         string
	AzureEndpoint   string
	AzureDeployment string
}

// Settings is the resolved agent configuration.
type Settings struct {
	Port        int
	MetricsPort int

	ForgeToken string

	// Database connection string. Empty means in-memory stores;
	// postgres:// selects Postgres, anything else is a SQLite path.
	DatabaseConnection string

	Planner  LMRole
	Executor LMRole

	SandboxDriver string

	MaxConcurrency int
	MaxRetries     int
	JobTimeout     time.Duration

	AuditRetention time.Duration

	SlackEnabled bool
	SlackToken   string
	SlackChannel string

	Debug   bool
	LogFile string
}

// Load reads configuration from an optional file, a local .env and
// OPENCOPILOT_* environment variables, then resolves it into Settings.
func Load(cfgFile string) (*Settings, error) {
	// A missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("opencopilot")
	}

	v.SetEnvPrefix("OPENCOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; an unreadable explicit
		// one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, err
		}
	}

	s := &Settings{
		Port:               v.GetInt("server.port"),
		MetricsPort:        v.GetInt("server.metrics_port"),
		ForgeToken:         v.GetString("forge.token"),
		DatabaseConnection: v.GetString("database.connection"),
		Planner:            lmRole(v, "lm.planner"),
		Executor:           lmRole(v, "lm.executor"),
		SandboxDriver:      v.GetString("sandbox.driver"),
		MaxConcurrency:     v.GetInt("jobs.max_concurrency"),
		MaxRetries:         v.GetInt("jobs.max_retries"),
		JobTimeout:         v.GetDuration("jobs.timeout"),
		AuditRetention:     v.GetDuration("audit.retention"),
		SlackEnabled:       v.GetBool("notifications.slack.enabled"),
		SlackToken:         v.GetString("notifications.slack.token"),
		SlackChannel:       v.GetString("notifications.slack.channel"),
		Debug:              v.GetBool("debug"),
		LogFile:            v.GetString("log_file"),
	}

	// The executor defaults to the planner's credentials so a single-model
	// setup only configures one role.
	if s.Executor.Provider == "" {
		s.Executor = s.Planner
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)

	v.SetDefault("lm.planner.provider", ProviderOpenAI)
	v.SetDefault("lm.planner.model_id", "gpt-4o")

	v.SetDefault("sandbox.driver", DriverDockerSDK)

	v.SetDefault("jobs.max_concurrency", 4)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.timeout", 30*time.Minute)

	v.SetDefault("audit.retention", 720*time.Hour)

	v.SetDefault("notifications.slack.enabled", false)
	v.SetDefault("notifications.slack.channel", "#open-copilot")

	v.SetDefault("debug", false)
}

func lmRole(v *viper.Viper, prefix string) LMRole {
	return LMRole{
		Provider:        v.GetString(prefix + ".provider"),
		APIKey:          v.GetString(prefix + ".api_key"),
		ModelID:         v.GetString(prefix + ".model_id"),
		AzureEndpoint:   v.GetString(prefix + ".azure_endpoint"),
		AzureDeployment: v.GetString(prefix + ".azure_deployment"),
	}
}
