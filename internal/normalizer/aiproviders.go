package normalizer

import (
	"sort"
	"strings"

	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/models"
)

// aiIndicators maps substrings of known LLM API hostnames, product names,
// and SDK identifiers onto provider tags. Matching is case-insensitive over
// the string fields of the raw payload.
var aiIndicators = map[string]string{
	"api.openai.com":                      "openai",
	"openai":                              "openai",
	"chatgpt":                             "openai",
	"api.anthropic.com":                   "anthropic",
	"anthropic":                           "anthropic",
	"claude":                              "anthropic",
	"generativelanguage.googleapis.com":   "google_gemini",
	"gemini":                              "google_gemini",
	"aiplatform.googleapis.com":           "google_vertex",
	"api.cohere.ai":                       "cohere",
	"cohere":                              "cohere",
	"api.mistral.ai":                      "mistral",
	"mistral":                             "mistral",
	"huggingface.co":                      "huggingface",
	"openai.azure.com":                    "azure_openai",
	"bedrock-runtime":                     "aws_bedrock",
	"api.perplexity.ai":                   "perplexity",
}

// detectAIProviders extracts AI-provider tags from a raw automation payload.
// Records discovered through an AI platform's own connector always carry
// that platform's tag.
func detectAIProviders(platform models.Platform, raw connectors.RawAutomationEvent) models.StringArray {
	tags := make(map[string]bool)

	if platform == models.PlatformOpenAI {
		tags["openai"] = true
	}

	scanValue(raw.Payload, tags, 0)

	if len(tags) == 0 {
		return nil
	}

	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

const maxScanDepth = 4

func scanValue(v interface{}, tags map[string]bool, depth int) {
	if depth > maxScanDepth {
		return
	}
	switch val := v.(type) {
	case string:
		matchIndicators(val, tags)
	case []interface{}:
		for _, item := range val {
			scanValue(item, tags, depth+1)
		}
	case []string:
		for _, item := range val {
			matchIndicators(item, tags)
		}
	case map[string]interface{}:
		for _, item := range val {
			scanValue(item, tags, depth+1)
		}
	}
}

func matchIndicators(s string, tags map[string]bool) {
	lower := strings.ToLower(s)
	for indicator, tag := range aiIndicators {
		if strings.Contains(lower, indicator) {
			tags[tag] = true
		}
	}
}
