package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/handlers"
	"github.com/MegaGrindStone/chat-relay/internal/services"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
	setAPIKey(key string)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   int      `yaml:"maxTokens"`
}

type config struct {
	Port         string        `yaml:"port"`
	FrontendURL  string        `yaml:"frontendURL"`
	RequireAuth  bool          `yaml:"requireAuth"`
	TurnTimeout  time.Duration `yaml:"turnTimeout"`
	SystemPrompt string        `yaml:"systemPrompt"`
	LLM          llmConfig     `yaml:"llm"`
	Auth         authConfig    `yaml:"auth"`
	Store        storeConfig   `yaml:"store"`
	Tracing      tracingConfig `yaml:"tracing"`
	Log          logConfig     `yaml:"log"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
}

type authConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
	Google    googleConfig  `yaml:"google"`
}

type googleConfig struct {
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	CallbackURL  string `yaml:"callbackURL"`
}

type storeConfig struct {
	// Driver is one of bolt, sqlite or postgres.
	Driver string `yaml:"driver"`
	// DSN is a file path for bolt and sqlite, a connection string for postgres.
	DSN string `yaml:"dsn"`
}

type tracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"serviceName"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envConfig lists the values that may be overridden from the environment. Secrets usually arrive this way.
type envConfig struct {
	Port               string         `env:"PORT"`
	FrontendURL        string         `env:"FRONTEND_URL"`
	RequireAuth        *bool          `env:"REQUIRE_AUTH"`
	TurnTimeout        *time.Duration `env:"TURN_TIMEOUT"`
	LLMAPIKey          string         `env:"LLM_API_KEY"`
	JWTSecret          string         `env:"JWT_SECRET"`
	GoogleClientID     string         `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string         `env:"GOOGLE_CLIENT_SECRET"`
	GoogleCallbackURL  string         `env:"GOOGLE_CALLBACK_URL"`
	StoreDriver        string         `env:"STORE_DRIVER"`
	StoreDSN           string         `env:"STORE_DSN"`
	OTLPEndpoint       string         `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel           string         `env:"LOG_LEVEL"`
}

func defaultConfig() config {
	return config{
		Port:         "5000",
		FrontendURL:  "http://localhost:3000",
		TurnTimeout:  5 * time.Minute,
		SystemPrompt: services.DefaultSystemPrompt,
		LLM: &openAIConfig{
			BaseLLMConfig: BaseLLMConfig{
				Provider: "openai",
				Model:    "llama-3.1-8b-instant",
			},
		},
		Auth: authConfig{
			TokenTTL: 7 * 24 * time.Hour,
			Google: googleConfig{
				CallbackURL: "/api/auth/google/callback",
			},
		},
		Store: storeConfig{
			Driver: "bolt",
		},
		Tracing: tracingConfig{
			ServiceName: "chat-relay",
		},
		Log: logConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadConfig decodes the YAML document from r on top of the defaults and then applies environment
// overrides. A nil reader means no config file.
func loadConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	if r != nil {
		if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}
	cfg.applyEnv(ec)

	return cfg, nil
}

func loadConfigFile(path string) (config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return loadConfig(nil)
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()
	return loadConfig(f)
}

func (c *config) applyEnv(ec envConfig) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&c.Port, ec.Port)
	setString(&c.FrontendURL, ec.FrontendURL)
	setString(&c.Auth.JWTSecret, ec.JWTSecret)
	setString(&c.Auth.Google.ClientID, ec.GoogleClientID)
	setString(&c.Auth.Google.ClientSecret, ec.GoogleClientSecret)
	setString(&c.Auth.Google.CallbackURL, ec.GoogleCallbackURL)
	setString(&c.Store.Driver, ec.StoreDriver)
	setString(&c.Store.DSN, ec.StoreDSN)
	setString(&c.Tracing.Endpoint, ec.OTLPEndpoint)
	setString(&c.Log.Level, ec.LogLevel)
	if ec.RequireAuth != nil {
		c.RequireAuth = *ec.RequireAuth
	}
	if ec.TurnTimeout != nil {
		c.TurnTimeout = *ec.TurnTimeout
	}
	if ec.LLMAPIKey != "" && c.LLM != nil {
		c.LLM.setAPIKey(ec.LLMAPIKey)
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	rawConfig := struct {
		Port         string         `yaml:"port"`
		FrontendURL  string         `yaml:"frontendURL"`
		RequireAuth  bool           `yaml:"requireAuth"`
		TurnTimeout  time.Duration  `yaml:"turnTimeout"`
		SystemPrompt string         `yaml:"systemPrompt"`
		LLM          map[string]any `yaml:"llm"`
		Auth         authConfig     `yaml:"auth"`
		Store        storeConfig    `yaml:"store"`
		Tracing      tracingConfig  `yaml:"tracing"`
		Log          logConfig      `yaml:"log"`
	}{
		Port:         c.Port,
		FrontendURL:  c.FrontendURL,
		RequireAuth:  c.RequireAuth,
		TurnTimeout:  c.TurnTimeout,
		SystemPrompt: c.SystemPrompt,
		Auth:         c.Auth,
		Store:        c.Store,
		Tracing:      c.Tracing,
		Log:          c.Log,
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.LLM != nil {
		llm, err := decodeLLMConfig(rawConfig.LLM)
		if err != nil {
			return err
		}
		c.LLM = llm
	}

	c.Port = rawConfig.Port
	c.FrontendURL = rawConfig.FrontendURL
	c.RequireAuth = rawConfig.RequireAuth
	c.TurnTimeout = rawConfig.TurnTimeout
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Auth = rawConfig.Auth
	c.Store = rawConfig.Store
	c.Tracing = rawConfig.Tracing
	c.Log = rawConfig.Log

	return nil
}

func decodeLLMConfig(raw map[string]any) (llmConfig, error) {
	llmProvider, ok := raw["provider"].(string)
	if !ok {
		return nil, fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var llm llmConfig
	switch strings.ToLower(llmProvider) {
	case "openai", "groq":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return nil, err
	}
	return llm, nil
}

func (b BaseLLMConfig) params() services.LLMParameters {
	params := services.DefaultLLMParameters()
	if b.Temperature != nil {
		params.Temperature = *b.Temperature
	}
	if b.MaxTokens > 0 {
		params.MaxTokens = b.MaxTokens
	}
	return params
}

func (o *openAIConfig) setAPIKey(key string) { o.APIKey = key }

func (o *openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.params(), logger), nil
}

func (o *ollamaConfig) setAPIKey(string) {}

func (o *ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, o.params(), logger)
}

func (a *anthropicConfig) setAPIKey(key string) { a.APIKey = key }

func (a *anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.params(), logger), nil
}
