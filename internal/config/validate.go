package config

import (
	"fmt"
	"strings"
)

// Validate checks the settings for fatal misconfiguration. It is called by
// Load but exported so tests and callers building Settings directly can
// reuse it.
func (s *Settings) Validate() error {
	var problems []string

	if s.Port < 1 || s.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port must be between 1 and 65535, got %d", s.Port))
	}
	if s.MetricsPort < 1 || s.MetricsPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.metrics_port must be between 1 and 65535, got %d", s.MetricsPort))
	}

	if s.MaxConcurrency <= 0 {
		problems = append(problems, fmt.Sprintf("jobs.max_concurrency must be positive, got %d", s.MaxConcurrency))
	}
	if s.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("jobs.max_retries must not be negative, got %d", s.MaxRetries))
	}
	if s.JobTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("jobs.timeout must be positive, got %v", s.JobTimeout))
	}
	if s.AuditRetention <= 0 {
		problems = append(problems, fmt.Sprintf("audit.retention must be positive, got %v", s.AuditRetention))
	}

	switch s.SandboxDriver {
	case DriverDockerSDK, DriverDockerCLI:
	default:
		problems = append(problems, fmt.Sprintf("sandbox.driver must be %q or %q, got %q", DriverDockerSDK, DriverDockerCLI, s.SandboxDriver))
	}

	problems = append(problems, validateRole("lm.planner", s.Planner)...)
	problems = append(problems, validateRole("lm.executor", s.Executor)...)

	if s.SlackEnabled && s.SlackToken == "" {
		problems = append(problems, "notifications.slack.token is required when slack notifications are enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

func validateRole(prefix string, role LMRole) []string {
	var problems []string
	switch role.Provider {
	case ProviderOpenAI:
		if role.APIKey == "" {
			problems = append(problems, fmt.Sprintf("%s.api_key is required for provider %q", prefix, role.Provider))
		}
	case ProviderAzureOpenAI:
		if role.APIKey == "" {
			problems = append(problems, fmt.Sprintf("%s.api_key is required for provider %q", prefix, role.Provider))
		}
		if role.AzureEndpoint == "" {
			problems = append(problems, fmt.Sprintf("%s.azure_endpoint is required for provider %q", prefix, role.Provider))
		}
		if role.AzureDeployment == "" {
			problems = append(problems, fmt.Sprintf("%s.azure_deployment is required for provider %q", prefix, role.Provider))
		}
	default:
		problems = append(problems, fmt.Sprintf("%s.provider must be %q or %q, got %q", prefix, ProviderOpenAI, ProviderAzureOpenAI, role.Provider))
	}
	return problems
}
