package agent

import "encoding/json"

// The model stream speaks a nested event envelope: every frame is
// {"event":{<oneEventKey>:{...}}} in both directions.

// Envelope wraps exactly one event.
type Envelope struct {
	Event EventBody `json:"event"`
}

// EventBody holds one of the possible events. Only the set field is
// serialized.
type EventBody struct {
	// Outbound
	SessionStart *SessionStartEvent `json:"sessionStart,omitempty"`
	PromptStart  *PromptStartEvent  `json:"promptStart,omitempty"`
	ContentStart *ContentStartEvent `json:"contentStart,omitempty"`
	TextInput    *TextInputEvent    `json:"textInput,omitempty"`
	AudioInput   *AudioInputEvent   `json:"audioInput,omitempty"`
	ToolResult   *ToolResultEvent   `json:"toolResult,omitempty"`
	ContentEnd   *ContentEndEvent   `json:"contentEnd,omitempty"`
	PromptEnd    *PromptEndEvent    `json:"promptEnd,omitempty"`
	SessionEnd   *struct{}          `json:"sessionEnd,omitempty"`

	// Inbound
	AudioOutput         *AudioOutputEvent `json:"audioOutput,omitempty"`
	TextOutput          *TextOutputEvent  `json:"textOutput,omitempty"`
	ToolUse             *ToolUseEvent     `json:"toolUse,omitempty"`
	CompletionEnd       *CompletionEnd    `json:"completionEnd,omitempty"`
	UsageEvent          json.RawMessage   `json:"usageEvent,omitempty"`
	ModelStreamError    json.RawMessage   `json:"modelStreamError,omitempty"`
	InternalServerError json.RawMessage   `json:"internalServerError,omitempty"`
}

type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type SessionStartEvent struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

type AudioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type AudioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

type TextConfiguration struct {
	MediaType string `json:"mediaType"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema carries the JSON schema as a string, per the model's
// wire contract.
type ToolInputSchema struct {
	JSON string `json:"json"`
}

type ToolEntry struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

type ToolConfiguration struct {
	Tools []ToolEntry `json:"tools"`
}

type PromptStartEvent struct {
	PromptName               string                   `json:"promptName"`
	TextOutputConfiguration  TextConfiguration        `json:"textOutputConfiguration"`
	AudioOutputConfiguration AudioOutputConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfig      TextConfiguration        `json:"toolUseOutputConfiguration"`
	ToolConfiguration        *ToolConfiguration       `json:"toolConfiguration,omitempty"`
}

type ContentStartEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Type        string `json:"type"` // TEXT, AUDIO, TOOL
	Interactive bool   `json:"interactive"`
	Role        string `json:"role,omitempty"` // SYSTEM, USER, ASSISTANT, TOOL

	TextInputConfiguration  *TextConfiguration       `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *AudioInputConfiguration `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfig   *ToolResultInputConfig   `json:"toolResultInputConfiguration,omitempty"`
}

type ToolResultInputConfig struct {
	ToolUseID string            `json:"toolUseId"`
	Type      string            `json:"type"`
	TextInput TextConfiguration `json:"textInputConfiguration"`
}

type TextInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type AudioInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"` // base64 PCM16LE 16kHz
}

type ToolResultEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ContentEndEvent struct {
	PromptName  string `json:"promptName,omitempty"`
	ContentName string `json:"contentName,omitempty"`
	Type        string `json:"type,omitempty"`
	Role        string `json:"role,omitempty"`
	StopReason  string `json:"stopReason,omitempty"` // END_TURN, INTERRUPTED, TOOL_USE
}

type PromptEndEvent struct {
	PromptName string `json:"promptName"`
}

type AudioOutputEvent struct {
	Content string `json:"content"` // base64 PCM16LE 24kHz
}

type TextOutputEvent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ToolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	ToolName  string `json:"toolName"`
	Content   string `json:"content"` // incremental JSON input
}

type CompletionEnd struct {
	StopReason string `json:"stopReason,omitempty"`
}

// Stop reasons seen on contentEnd.
const (
	StopEndTurn     = "END_TURN"
	StopInterrupted = "INTERRUPTED"
	StopToolUse     = "TOOL_USE"
)

// Content block types.
const (
	TypeText  = "TEXT"
	TypeAudio = "AUDIO"
	TypeTool  = "TOOL"
)

// Roles.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)
