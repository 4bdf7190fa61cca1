package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/validation"
)

// Voice backend selection.
const (
	BackendUnified    = "unified"
	BackendSplit      = "split"
	BackendSplitBasic = "split-basic"
)

// Carrier selection.
const (
	CarrierTwilio = "twilio"
	CarrierTelnyx = "telnyx"
)

type Config struct {
	AppEnv   string
	AppPort  string
	LogLevel string

	// Telephony
	Carrier    string // twilio or telnyx
	FromNumber string // E.164 caller id
	UserNumber string // E.164 default callee

	TwilioAccountSID string
	TwilioAuthToken  string

	TelnyxAPIKey       string
	TelnyxPublicKey    string // base64 Ed25519 key from the portal
	TelnyxConnectionID string

	// Public reachability
	PublicURL             string // https base the carrier posts webhooks to
	WSURL                 string // wss base for the media stream; derived from PublicURL when empty
	TrustWithoutSignature bool   // tunneled deployments only; every bypass is logged

	// Voice backend
	VoiceBackend string // unified, split or split-basic

	// Unified speech model stream
	AgentStreamURL string
	AgentModelID   string
	AgentVoiceID   string
	AgentMaxTokens int
	Temperature    float64
	TopP           float64
	SystemPrompt   string

	// Split-brain pipeline
	AnthropicApiKey      string
	BrainModel           string
	BrainMaxTokens       int
	BrainContextTemplate string

	STTBaseURL string
	STTApiKey  string
	STTModel   string

	TTSBaseURL string
	TTSApiKey  string
	TTSModel   string
	TTSVoice   string

	VADSilenceMs       int
	VADEnergyThreshold float64

	// Timeouts
	TurnTimeoutMs       int
	MediaReadyTimeoutMs int

	OTELEndpoint string
	OTELEnabled  bool
}

// Load reads configuration from envFile (when present) and the process
// environment. All missing required variables are reported together in
// a single ConfigError so the operator fixes them in one pass.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		AppPort:  getEnv("APP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Carrier:    strings.ToLower(getEnv("CARRIER", CarrierTwilio)),
		FromNumber: getEnv("FROM_NUMBER", ""),
		UserNumber: getEnv("USER_NUMBER", ""),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),

		TelnyxAPIKey:       getEnv("TELNYX_API_KEY", ""),
		TelnyxPublicKey:    getEnv("TELNYX_PUBLIC_KEY", ""),
		TelnyxConnectionID: getEnv("TELNYX_CONNECTION_ID", ""),

		PublicURL:             getEnv("PUBLIC_URL", ""),
		WSURL:                 getEnv("WS_URL", ""),
		TrustWithoutSignature: getEnvBool("TRUST_WITHOUT_SIGNATURE", false),

		VoiceBackend: strings.ToLower(getEnv("VOICE_BACKEND", BackendUnified)),

		AgentStreamURL: getEnv("AGENT_STREAM_URL", ""),
		AgentModelID:   getEnv("AGENT_MODEL_ID", "amazon.nova-sonic-v1:0"),
		AgentVoiceID:   getEnv("AGENT_VOICE_ID", "matthew"),
		AgentMaxTokens: getEnvInt("AGENT_MAX_TOKENS", 1024),
		Temperature:    getEnvFloat("AGENT_TEMPERATURE", 0.7),
		TopP:           getEnvFloat("AGENT_TOP_P", 0.9),
		SystemPrompt:   getEnv("SYSTEM_PROMPT", defaultSystemPrompt),

		AnthropicApiKey:      getEnv("ANTHROPIC_API_KEY", ""),
		BrainModel:           getEnv("BRAIN_MODEL", "claude-3-5-haiku-20241022"),
		BrainMaxTokens:       getEnvInt("BRAIN_MAX_TOKENS", 1024),
		BrainContextTemplate: getEnv("BRAIN_CONTEXT_TEMPLATE", "[System: %s]"),

		STTBaseURL: getEnv("STT_BASE_URL", "https://api.openai.com/v1"),
		STTApiKey:  getEnv("STT_API_KEY", ""),
		STTModel:   getEnv("STT_MODEL", "whisper-1"),

		TTSBaseURL: getEnv("TTS_BASE_URL", "https://api.openai.com/v1"),
		TTSApiKey:  getEnv("TTS_API_KEY", ""),
		TTSModel:   getEnv("TTS_MODEL", "tts-1"),
		TTSVoice:   getEnv("TTS_VOICE", "alloy"),

		VADSilenceMs:       getEnvInt("VAD_SILENCE_MS", 800),
		VADEnergyThreshold: getEnvFloat("VAD_ENERGY_THRESHOLD", 500),

		TurnTimeoutMs:       getEnvInt("TURN_TIMEOUT_MS", 180000),
		MediaReadyTimeoutMs: getEnvInt("MEDIA_READY_TIMEOUT_MS", 15000),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	if cfg.WSURL == "" && cfg.PublicURL != "" {
		cfg.WSURL = deriveWSURL(cfg.PublicURL)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

const defaultSystemPrompt = "You are a helpful assistant speaking with a person over the telephone. " +
	"Keep responses short and conversational. Do not use markdown or formatting."

func (c *Config) validate() error {
	var missing []string

	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("FROM_NUMBER", c.FromNumber)
	require("USER_NUMBER", c.UserNumber)
	require("PUBLIC_URL", c.PublicURL)

	if c.FromNumber != "" {
		if err := validation.ValidateE164(c.FromNumber); err != nil {
			return &apperrors.ConfigError{Detail: fmt.Sprintf("FROM_NUMBER: %v", err)}
		}
	}
	if c.UserNumber != "" {
		if err := validation.ValidateE164(c.UserNumber); err != nil {
			return &apperrors.ConfigError{Detail: fmt.Sprintf("USER_NUMBER: %v", err)}
		}
	}

	switch c.Carrier {
	case CarrierTwilio:
		require("TWILIO_ACCOUNT_SID", c.TwilioAccountSID)
		require("TWILIO_AUTH_TOKEN", c.TwilioAuthToken)
	case CarrierTelnyx:
		require("TELNYX_API_KEY", c.TelnyxAPIKey)
		require("TELNYX_CONNECTION_ID", c.TelnyxConnectionID)
		if !c.TrustWithoutSignature {
			require("TELNYX_PUBLIC_KEY", c.TelnyxPublicKey)
		}
	default:
		return &apperrors.ConfigError{Detail: fmt.Sprintf("unknown CARRIER %q (want twilio or telnyx)", c.Carrier)}
	}

	switch c.VoiceBackend {
	case BackendUnified:
		require("AGENT_STREAM_URL", c.AgentStreamURL)
	case BackendSplit, BackendSplitBasic:
		require("ANTHROPIC_API_KEY", c.AnthropicApiKey)
		require("STT_API_KEY", c.STTApiKey)
		require("TTS_API_KEY", c.TTSApiKey)
	default:
		return &apperrors.ConfigError{Detail: fmt.Sprintf("unknown VOICE_BACKEND %q (want unified, split or split-basic)", c.VoiceBackend)}
	}

	if len(missing) > 0 {
		return &apperrors.ConfigError{Missing: missing}
	}
	return nil
}

// deriveWSURL turns the public https base into its wss counterpart.
func deriveWSURL(publicURL string) string {
	switch {
	case strings.HasPrefix(publicURL, "https://"):
		return "wss://" + strings.TrimPrefix(publicURL, "https://")
	case strings.HasPrefix(publicURL, "http://"):
		return "ws://" + strings.TrimPrefix(publicURL, "http://")
	default:
		return publicURL
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
