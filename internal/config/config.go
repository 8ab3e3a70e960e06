package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/callbridge/internal/protocol"
)

// Config contains all runtime settings for the relay.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	ElevenLabsAPIKey  string
	ElevenLabsAgentID string

	AIWSBaseURL      string
	AIWSPath         string
	AIAuthHeader     string
	AIVariant        protocol.Variant
	AISampleRate     int
	AIConnectTimeout time.Duration

	AIAudioInputField  string
	AIAudioInputType   string
	AIAudioOutputType  string
	AIAudioOutputField string
	AIHandshakeType    string
	AIPongType         string
	AIProviderID       string

	AIPrompt       string
	AIFirstMessage string
	AITTSModelID   string
	AILanguage     string

	DatabaseURL string
}

// fileConfig is the optional YAML overlay read from APP_CONFIG_FILE.
// Credentials are read from the environment only.
type fileConfig struct {
	Server struct {
		BindAddr          string `yaml:"bind_addr"`
		ShutdownTimeout   string `yaml:"shutdown_timeout"`
		InactivityTimeout string `yaml:"inactivity_timeout"`
		MetricsNamespace  string `yaml:"metrics_namespace"`
		AllowAnyOrigin    *bool  `yaml:"allow_any_origin"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Agent struct {
		BaseURL          string `yaml:"base_url"`
		Path             string `yaml:"path"`
		AuthHeader       string `yaml:"auth_header"`
		Variant          string `yaml:"variant"`
		SampleRate       int    `yaml:"sample_rate"`
		ConnectTimeout   string `yaml:"connect_timeout"`
		AudioInputField  string `yaml:"audio_input_field"`
		AudioInputType   string `yaml:"audio_input_type"`
		AudioOutputType  string `yaml:"audio_output_type"`
		AudioOutputField string `yaml:"audio_output_field"`
		HandshakeType    string `yaml:"handshake_type"`
		PongType         string `yaml:"pong_type"`
		ProviderID       string `yaml:"provider_id"`
		Prompt           string `yaml:"prompt"`
		FirstMessage     string `yaml:"first_message"`
		TTSModelID       string `yaml:"tts_model_id"`
		Language         string `yaml:"language"`
	} `yaml:"agent"`
}

func defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          10 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "callbridge",
		LogLevel:                 "info",
		LogFormat:                "json",
		AIWSBaseURL:              "wss://api.elevenlabs.io",
		AIWSPath:                 "/v1/convai/conversation",
		AIAuthHeader:             "xi-api-key",
		AIVariant:                protocol.VariantJSONControl,
		AISampleRate:             16000,
		AIConnectTimeout:         5 * time.Second,
	}
}

// Load reads defaults, then the optional YAML file named by APP_CONFIG_FILE,
// then environment variables, and validates the result.
func Load() (Config, error) {
	cfg := defaults()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if port := stringsTrimSpace("PORT"); port != "" {
		cfg.BindAddr = ":" + port
	}
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)

	cfg.ElevenLabsAPIKey = stringsTrimSpace("ELEVENLABS_API_KEY")
	cfg.ElevenLabsAgentID = stringsTrimSpace("ELEVENLABS_AGENT_ID")

	cfg.AIWSBaseURL = envOrDefault("AI_WS_BASE_URL", cfg.AIWSBaseURL)
	cfg.AIWSPath = envOrDefault("AI_WS_PATH", cfg.AIWSPath)
	cfg.AIAuthHeader = envOrDefault("AI_AUTH_HEADER", cfg.AIAuthHeader)
	cfg.AIAudioInputField = envOrDefault("AI_AUDIO_INPUT_FIELD", cfg.AIAudioInputField)
	cfg.AIAudioInputType = envOrDefault("AI_AUDIO_INPUT_TYPE", cfg.AIAudioInputType)
	cfg.AIAudioOutputType = envOrDefault("AI_AUDIO_OUTPUT_TYPE", cfg.AIAudioOutputType)
	cfg.AIAudioOutputField = envOrDefault("AI_AUDIO_OUTPUT_FIELD", cfg.AIAudioOutputField)
	cfg.AIHandshakeType = envOrDefault("AI_HANDSHAKE_TYPE", cfg.AIHandshakeType)
	cfg.AIPongType = envOrDefault("AI_PONG_TYPE", cfg.AIPongType)
	cfg.AIProviderID = envOrDefault("AI_PROVIDER_ID", cfg.AIProviderID)
	cfg.AIPrompt = envOrDefault("AI_PROMPT", cfg.AIPrompt)
	cfg.AIFirstMessage = envOrDefault("AI_FIRST_MESSAGE", cfg.AIFirstMessage)
	cfg.AITTSModelID = envOrDefault("AI_TTS_MODEL_ID", cfg.AITTSModelID)
	cfg.AILanguage = envOrDefault("AI_LANGUAGE", cfg.AILanguage)

	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")

	if v := stringsTrimSpace("AI_PROTOCOL_VARIANT"); v != "" {
		variant, err := protocol.ParseVariant(v)
		if err != nil {
			return Config{}, fmt.Errorf("AI_PROTOCOL_VARIANT: %w", err)
		}
		cfg.AIVariant = variant
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AIConnectTimeout, err = durationFromEnv("AI_CONNECT_TIMEOUT", cfg.AIConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AISampleRate, err = intFromEnv("AI_SAMPLE_RATE", cfg.AISampleRate); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.ElevenLabsAPIKey == "" {
		errs = append(errs, errors.New("ELEVENLABS_API_KEY is required"))
	}
	if c.ElevenLabsAgentID == "" {
		errs = append(errs, errors.New("ELEVENLABS_AGENT_ID is required"))
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		errs = append(errs, errors.New("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("APP_SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.AIConnectTimeout <= 0 {
		errs = append(errs, errors.New("AI_CONNECT_TIMEOUT must be positive"))
	}
	if c.AISampleRate < 8000 || c.AISampleRate > 48000 {
		errs = append(errs, fmt.Errorf("AI_SAMPLE_RATE must be within [8000, 48000], got %d", c.AISampleRate))
	}
	if u, err := url.Parse(c.AIWSBaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("AI_WS_BASE_URL must be a ws:// or wss:// URL, got %q", c.AIWSBaseURL))
	}
	if strings.TrimSpace(c.AIAuthHeader) == "" {
		errs = append(errs, errors.New("AI_AUTH_HEADER must not be empty"))
	}
	return errors.Join(errs...)
}

// AgentURL is the agent websocket endpoint for this deployment.
func (c Config) AgentURL() string {
	u := strings.TrimRight(c.AIWSBaseURL, "/") + "/" + strings.TrimLeft(c.AIWSPath, "/")
	if c.ElevenLabsAgentID == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "agent_id=" + url.QueryEscape(c.ElevenLabsAgentID)
}

// AgentOptions returns the wire contract for the configured variant.
func (c Config) AgentOptions() protocol.AgentOptions {
	return protocol.AgentOptions{
		Variant:          c.AIVariant,
		AudioInputField:  c.AIAudioInputField,
		AudioInputType:   c.AIAudioInputType,
		AudioOutputType:  c.AIAudioOutputType,
		AudioOutputField: c.AIAudioOutputField,
		HandshakeType:    c.AIHandshakeType,
		PongType:         c.AIPongType,
		SampleRate:       c.AISampleRate,
		ProviderID:       c.AIProviderID,
		Prompt:           c.AIPrompt,
		FirstMessage:     c.AIFirstMessage,
		TTSModelID:       c.AITTSModelID,
		Language:         c.AILanguage,
	}
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("APP_CONFIG_FILE: open %q: %w", path, err)
	}
	defer f.Close()

	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("APP_CONFIG_FILE: decode %q: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	if fc.Server.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.Server.AllowAnyOrigin
	}
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	a := fc.Agent
	setString(&cfg.AIWSBaseURL, a.BaseURL)
	setString(&cfg.AIWSPath, a.Path)
	setString(&cfg.AIAuthHeader, a.AuthHeader)
	setString(&cfg.AIAudioInputField, a.AudioInputField)
	setString(&cfg.AIAudioInputType, a.AudioInputType)
	setString(&cfg.AIAudioOutputType, a.AudioOutputType)
	setString(&cfg.AIAudioOutputField, a.AudioOutputField)
	setString(&cfg.AIHandshakeType, a.HandshakeType)
	setString(&cfg.AIPongType, a.PongType)
	setString(&cfg.AIProviderID, a.ProviderID)
	setString(&cfg.AIPrompt, a.Prompt)
	setString(&cfg.AIFirstMessage, a.FirstMessage)
	setString(&cfg.AITTSModelID, a.TTSModelID)
	setString(&cfg.AILanguage, a.Language)
	if a.SampleRate > 0 {
		cfg.AISampleRate = a.SampleRate
	}
	if a.Variant != "" {
		v, err := protocol.ParseVariant(a.Variant)
		if err != nil {
			return fmt.Errorf("APP_CONFIG_FILE: agent.variant: %w", err)
		}
		cfg.AIVariant = v
	}

	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"server.inactivity_timeout", fc.Server.InactivityTimeout, &cfg.SessionInactivityTimeout},
		{"agent.connect_timeout", a.ConnectTimeout, &cfg.AIConnectTimeout},
	} {
		if trimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(trimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("APP_CONFIG_FILE: %s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v = trimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
