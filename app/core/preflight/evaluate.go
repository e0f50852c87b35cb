// Package preflight validates a deployment's configuration before the
// daemon starts taking webhooks.
package preflight

import (
	"fmt"
	"os"
	"strings"
	"time"

	config "advisor0/app/configs"
)

type Options struct {
	AllowMissingConfig bool
	// SkipEnv disables environment checks, for validating a config file in
	// isolation (CI, packaging).
	SkipEnv bool
}

type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type Gate struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

type Report struct {
	GeneratedAt  string  `json:"generated_at"`
	ConfigPath   string  `json:"config_path"`
	ConfigExists bool    `json:"config_exists"`
	Status       string  `json:"status"`
	Checks       []Check `json:"checks"`
	Gate         Gate    `json:"gate"`
}

// EvaluatePath loads and validates the config at the given path.
func EvaluatePath(configPath string, opts Options) Report {
	report := Report{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		ConfigPath:  strings.TrimSpace(configPath),
		Status:      "failed",
		Checks:      make([]Check, 0, 4),
		Gate:        Gate{Failures: []string{}},
	}

	if report.ConfigPath == "" {
		appendFailure(&report, "config path is required")
		appendCheck(&report, "config_load", false, "config path is empty")
		return finalize(report)
	}

	if _, err := os.Stat(report.ConfigPath); err == nil {
		report.ConfigExists = true
	} else if !opts.AllowMissingConfig {
		message := fmt.Sprintf("config file not found: %s", report.ConfigPath)
		appendFailure(&report, message)
		appendCheck(&report, "config_load", false, message)
		return finalize(report)
	}

	manager, err := config.NewManager(report.ConfigPath)
	if err != nil {
		message := fmt.Sprintf("load config: %v", err)
		appendFailure(&report, message)
		appendCheck(&report, "config_load", false, message)
		return finalize(report)
	}
	appendCheck(&report, "config_load", true, "config loaded")
	cfg := manager.Get()

	checkProcessor(&report, cfg)
	checkHTTP(&report, cfg)
	if !opts.SkipEnv {
		checkEnv(&report, cfg)
	}
	return finalize(report)
}

func checkProcessor(report *Report, cfg config.Config) {
	p := cfg.Processor
	if p.IntervalSec < 1 || p.IntervalSec > 3600 {
		fail(report, "processor_interval", fmt.Sprintf("interval_sec=%d out of range [1, 3600]", p.IntervalSec))
		return
	}
	if p.TaskBatchSize > 1000 || p.EventBatchSize > 1000 {
		fail(report, "processor_interval", "batch sizes above 1000 are not supported")
		return
	}
	appendCheck(report, "processor_interval", true, "processor settings in range")
}

func checkHTTP(report *Report, cfg config.Config) {
	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		fail(report, "http_port", fmt.Sprintf("port=%d out of range", cfg.HTTP.Port))
		return
	}
	appendCheck(report, "http_port", true, "http settings in range")

	if cfg.HTTP.WebhookToken == "" {
		// Warn-only: GET handshakes will be refused but POST ingestion works.
		appendCheck(report, "webhook_token", true, "no verify token configured; webhook handshakes will be rejected")
		return
	}
	appendCheck(report, "webhook_token", true, "verify token configured")
}

func checkEnv(report *Report, cfg config.Config) {
	if os.Getenv(cfg.LLM.APIKeyEnv) == "" {
		appendCheck(report, "llm_api_key", true,
			fmt.Sprintf("%s is unset; users without a profile key cannot be processed", cfg.LLM.APIKeyEnv))
		return
	}
	appendCheck(report, "llm_api_key", true, "fallback model key present")
}

func fail(report *Report, name, message string) {
	appendFailure(report, message)
	appendCheck(report, name, false, message)
}

func finalize(report Report) Report {
	if len(report.Gate.Failures) == 0 {
		report.Gate.Passed = true
		report.Status = "passed"
	}
	return report
}

func appendCheck(report *Report, name string, passed bool, message string) {
	report.Checks = append(report.Checks, Check{Name: name, Passed: passed, Message: message})
}

func appendFailure(report *Report, message string) {
	report.Gate.Failures = append(report.Gate.Failures, message)
}
