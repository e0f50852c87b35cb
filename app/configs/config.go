package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	LLM       LLMConfig       `json:"llm"`
	Processor ProcessorConfig `json:"processor"`
	HTTP      HTTPConfig      `json:"http"`
}

type AgentConfig struct {
	Name string `json:"name"`
}

type LLMConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	APIKeyEnv   string  `json:"api_key_env"`
}

type ProcessorConfig struct {
	IntervalSec     int `json:"interval_sec"`
	TaskBatchSize   int `json:"task_batch_size"`
	EventBatchSize  int `json:"event_batch_size"`
	DebounceSec     int `json:"debounce_sec"`
	ErrorBackoffSec int `json:"error_backoff_sec"`
}

type HTTPConfig struct {
	Port           int    `json:"port"`
	WebhookToken   string `json:"webhook_token"`
	ShutdownPeriod int    `json:"shutdown_period_sec"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Name: "Advisor0",
		},
		LLM: LLMConfig{
			Model:       "gpt-4-turbo",
			Temperature: 0.2,
			APIKeyEnv:   "OPENAI_API_KEY",
		},
		Processor: ProcessorConfig{
			IntervalSec:     10,
			TaskBatchSize:   10,
			EventBatchSize:  5,
			DebounceSec:     30,
			ErrorBackoffSec: 30,
		},
		HTTP: HTTPConfig{
			Port:           8080,
			ShutdownPeriod: 5,
		},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		cfg.Agent.Name = "Advisor0"
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = "gpt-4-turbo"
	}
	if cfg.LLM.Temperature <= 0 || cfg.LLM.Temperature > 2 {
		cfg.LLM.Temperature = 0.2
	}
	if strings.TrimSpace(cfg.LLM.APIKeyEnv) == "" {
		cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Processor.IntervalSec <= 0 {
		cfg.Processor.IntervalSec = 10
	}
	if cfg.Processor.TaskBatchSize <= 0 {
		cfg.Processor.TaskBatchSize = 10
	}
	if cfg.Processor.EventBatchSize <= 0 {
		cfg.Processor.EventBatchSize = 5
	}
	if cfg.Processor.DebounceSec <= 0 {
		cfg.Processor.DebounceSec = 30
	}
	if cfg.Processor.ErrorBackoffSec <= 0 {
		cfg.Processor.ErrorBackoffSec = 30
	}
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ShutdownPeriod <= 0 {
		cfg.HTTP.ShutdownPeriod = 5
	}
}
