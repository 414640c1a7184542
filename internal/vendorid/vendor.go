// Package vendorid maps flattened OTLP resource attributes to a stable vendor
// identity.
package vendorid

import (
	"strings"
	"unicode"
)

const (
	CategoryLLM     = "llm"
	CategoryIDE     = "ide"
	CategoryAgent   = "agent"
	CategoryUnknown = "unknown"
)

const (
	AttrGenAISystem      = "gen_ai.system"
	AttrServiceName      = "service.name"
	AttrSDKName          = "sdk.name"
	AttrTelemetrySDKName = "telemetry.sdk.name"
)

// Vendor is the canonical identity of the tool or provider that emitted a
// resource.
type Vendor struct {
	Slug        string `json:"slug"`
	DisplayName string `json:"displayName"`
	Category    string `json:"category"`
}

// Unknown is returned when no rule matches and there is no service name.
var Unknown = Vendor{Slug: "unknown", DisplayName: "unknown", Category: CategoryUnknown}

type fingerprint struct {
	needle string
	vendor Vendor
}

// fingerprints are matched in order as case-insensitive substrings, so more
// specific entries come first.
var fingerprints = []fingerprint{
	{"claude-code", Vendor{"claude-code", "Claude Code", CategoryAgent}},
	{"claude_code", Vendor{"claude-code", "Claude Code", CategoryAgent}},
	{"cursor", Vendor{"cursor", "Cursor", CategoryIDE}},
	{"codex", Vendor{"codex", "OpenAI Codex", CategoryAgent}},
	{"copilot", Vendor{"copilot", "GitHub Copilot", CategoryIDE}},
	{"windsurf", Vendor{"windsurf", "Windsurf", CategoryIDE}},
	{"cline", Vendor{"cline", "Cline", CategoryAgent}},
	{"aider", Vendor{"aider", "Aider", CategoryAgent}},
	{"continue", Vendor{"continue", "Continue", CategoryIDE}},
	{"gemini-cli", Vendor{"gemini-cli", "Gemini CLI", CategoryAgent}},
	{"anthropic", Vendor{"anthropic", "Anthropic", CategoryLLM}},
	{"claude", Vendor{"anthropic", "Anthropic", CategoryLLM}},
	{"openai", Vendor{"openai", "OpenAI", CategoryLLM}},
	{"gemini", Vendor{"gemini", "Google Gemini", CategoryLLM}},
	{"vertex", Vendor{"gemini", "Google Gemini", CategoryLLM}},
	{"mistral", Vendor{"mistral", "Mistral", CategoryLLM}},
	{"cohere", Vendor{"cohere", "Cohere", CategoryLLM}},
	{"bedrock", Vendor{"bedrock", "AWS Bedrock", CategoryLLM}},
	{"ollama", Vendor{"ollama", "Ollama", CategoryLLM}},
	{"groq", Vendor{"groq", "Groq", CategoryLLM}},
	{"langchain", Vendor{"langchain", "LangChain", CategoryAgent}},
	{"llamaindex", Vendor{"llamaindex", "LlamaIndex", CategoryAgent}},
	{"llama_index", Vendor{"llamaindex", "LlamaIndex", CategoryAgent}},
}

// knownSystems maps gen_ai.system values from the OpenTelemetry GenAI
// semantic conventions to vendors.
var knownSystems = map[string]Vendor{
	"anthropic":       {"anthropic", "Anthropic", CategoryLLM},
	"openai":          {"openai", "OpenAI", CategoryLLM},
	"azure.ai.openai": {"openai", "OpenAI", CategoryLLM},
	"gemini":          {"gemini", "Google Gemini", CategoryLLM},
	"gcp.gemini":      {"gemini", "Google Gemini", CategoryLLM},
	"vertex_ai":       {"gemini", "Google Gemini", CategoryLLM},
	"gcp.vertex_ai":   {"gemini", "Google Gemini", CategoryLLM},
	"mistral_ai":      {"mistral", "Mistral", CategoryLLM},
	"cohere":          {"cohere", "Cohere", CategoryLLM},
	"aws.bedrock":     {"bedrock", "AWS Bedrock", CategoryLLM},
	"groq":            {"groq", "Groq", CategoryLLM},
	"ollama":          {"ollama", "Ollama", CategoryLLM},
	"deepseek":        {"deepseek", "DeepSeek", CategoryLLM},
	"xai":             {"xai", "xAI", CategoryLLM},
	"perplexity":      {"perplexity", "Perplexity", CategoryLLM},
}

// Canonicalize resolves attrs to a vendor. It is pure and total: gen_ai.system
// wins, then service.name fingerprints, then SDK name fingerprints, then the
// unknown fallback.
func Canonicalize(attrs map[string]string) Vendor {
	if system := strings.ToLower(strings.TrimSpace(attrs[AttrGenAISystem])); system != "" {
		if v, ok := knownSystems[system]; ok {
			return v
		}
		if slug := slugify(system); slug != "" {
			return Vendor{Slug: slug, DisplayName: strings.TrimSpace(attrs[AttrGenAISystem]), Category: CategoryLLM}
		}
	}

	serviceName := strings.TrimSpace(attrs[AttrServiceName])
	if v, ok := matchFingerprint(serviceName); ok {
		return v
	}
	for _, key := range []string{AttrSDKName, AttrTelemetrySDKName} {
		if v, ok := matchFingerprint(attrs[key]); ok {
			return v
		}
	}

	if serviceName == "" {
		return Unknown
	}
	return Vendor{Slug: Unknown.Slug, DisplayName: serviceName, Category: CategoryUnknown}
}

func matchFingerprint(value string) (Vendor, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return Vendor{}, false
	}
	for _, fp := range fingerprints {
		if strings.Contains(value, fp.needle) {
			return fp.vendor, true
		}
	}
	return Vendor{}, false
}

// slugify lowercases value and collapses runs of other characters to '-'.
func slugify(value string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(value) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}
