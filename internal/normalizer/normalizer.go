package normalizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nexasec/shadowbot/internal/connectors"
	"github.com/nexasec/shadowbot/internal/models"
)

// NormalizationError indicates one raw event could not be mapped into the
// canonical model. The event is skipped and counted; the run continues.
type NormalizationError struct {
	Platform models.Platform
	NativeID string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalizing %s event %q: %s", e.Platform, e.NativeID, e.Reason)
}

// Normalize maps a platform-native automation payload into the canonical
// AutomationRecord. It is deterministic and side-effect free: identical
// input always yields an identical record. Connection and organization IDs
// are the caller's responsibility; normalization is purely per-platform.
func Normalize(platform models.Platform, raw connectors.RawAutomationEvent) (*models.AutomationRecord, error) {
	if raw.NativeID == "" {
		return nil, &NormalizationError{Platform: platform, Reason: "missing platform-native identifier"}
	}

	rules, ok := platformRules[platform]
	if !ok {
		return nil, &NormalizationError{Platform: platform, NativeID: raw.NativeID, Reason: "unknown platform"}
	}

	record := &models.AutomationRecord{
		Platform:    platform,
		NativeID:    raw.NativeID,
		RawMetadata: models.JSONB(raw.Payload),
	}

	record.Type = rules.classify(raw)
	record.DisplayName = rules.displayName(raw)
	record.CreatorID = rules.creator(raw)
	record.Permissions = canonicalScopes(rules.scopes(raw), rules.scopeMap)
	record.AIProviders = detectAIProviders(platform, raw)

	if record.DisplayName == "" {
		return nil, &NormalizationError{Platform: platform, NativeID: raw.NativeID, Reason: "missing display name"}
	}

	return record, nil
}

// platformRule carries the per-platform mapping table: how to classify the
// automation type, where to find the name, creator and native scopes, and
// how native scopes map onto the canonical vocabulary.
type platformRule struct {
	classify    func(connectors.RawAutomationEvent) models.AutomationType
	displayName func(connectors.RawAutomationEvent) string
	creator     func(connectors.RawAutomationEvent) string
	scopes      func(connectors.RawAutomationEvent) []string
	scopeMap    map[string]string
}

var platformRules = map[models.Platform]platformRule{
	models.PlatformSlack: {
		classify: func(raw connectors.RawAutomationEvent) models.AutomationType {
			if isWorkflow, _ := raw.Payload["is_workflow_bot"].(bool); isWorkflow {
				return models.AutomationWorkflow
			}
			if appID, _ := raw.Payload["is_app_user"].(bool); appID {
				return models.AutomationOAuthApp
			}
			return models.AutomationBot
		},
		displayName: func(raw connectors.RawAutomationEvent) string {
			if profile, ok := raw.Payload["profile"].(map[string]interface{}); ok {
				if name, _ := profile["real_name"].(string); name != "" {
					return name
				}
			}
			name, _ := raw.Payload["name"].(string)
			return name
		},
		creator: func(raw connectors.RawAutomationEvent) string {
			creator, _ := raw.Payload["created_by"].(string)
			return creator
		},
		scopes: func(raw connectors.RawAutomationEvent) []string {
			return stringSlice(raw.Payload["scopes"])
		},
		scopeMap: map[string]string{
			"channels:read":    "read_messages",
			"channels:history": "read_messages",
			"groups:history":   "read_messages",
			"im:history":       "read_messages",
			"chat:write":       "write_messages",
			"files:read":       "read_files",
			"files:write":      "write_files",
			"users:read":       "read_users",
			"admin":            "admin",
			"usergroups:write": "manage_users",
			"incoming-webhook": "manage_webhooks",
		},
	},

	models.PlatformGoogleWorkspace: {
		classify: func(raw connectors.RawAutomationEvent) models.AutomationType {
			name, _ := raw.Payload["displayText"].(string)
			if strings.Contains(strings.ToLower(name), "apps script") {
				return models.AutomationScript
			}
			if native, _ := raw.Payload["nativeApp"].(bool); native {
				return models.AutomationServiceAccount
			}
			return models.AutomationOAuthApp
		},
		displayName: func(raw connectors.RawAutomationEvent) string {
			name, _ := raw.Payload["displayText"].(string)
			return name
		},
		creator: func(raw connectors.RawAutomationEvent) string {
			email, _ := raw.Payload["user_email"].(string)
			return email
		},
		scopes: func(raw connectors.RawAutomationEvent) []string {
			return stringSlice(raw.Payload["scopes"])
		},
		scopeMap: map[string]string{
			"https://www.googleapis.com/auth/gmail.readonly":        "read_email",
			"https://mail.google.com/":                              "read_email",
			"https://www.googleapis.com/auth/gmail.send":            "send_email",
			"https://www.googleapis.com/auth/drive.readonly":        "read_files",
			"https://www.googleapis.com/auth/drive":                 "write_files",
			"https://www.googleapis.com/auth/calendar.readonly":     "read_calendar",
			"https://www.googleapis.com/auth/calendar":              "write_calendar",
			"https://www.googleapis.com/auth/admin.directory.user":  "manage_users",
			"https://www.googleapis.com/auth/admin.directory.group": "manage_users",
			"https://www.googleapis.com/auth/cloud-platform":        "admin",
		},
	},

	models.PlatformOpenAI: {
		classify: func(raw connectors.RawAutomationEvent) models.AutomationType {
			return models.AutomationServiceAccount
		},
		displayName: func(raw connectors.RawAutomationEvent) string {
			name, _ := raw.Payload["name"].(string)
			return name
		},
		creator: func(raw connectors.RawAutomationEvent) string {
			creator, _ := raw.Payload["created_by"].(string)
			return creator
		},
		scopes: func(raw connectors.RawAutomationEvent) []string {
			role, _ := raw.Payload["role"].(string)
			switch role {
			case "owner":
				return []string{"manage_keys", "read_usage"}
			case "member":
				return []string{"read_usage"}
			}
			return nil
		},
		scopeMap: map[string]string{
			"manage_keys": "manage_keys",
			"read_usage":  "read_usage",
		},
	},
}

// canonicalScopes maps native scopes through the platform table, keeping
// unknown scopes verbatim so nothing granted is ever hidden from scoring.
// Output is deduplicated and sorted for determinism.
func canonicalScopes(native []string, scopeMap map[string]string) models.StringArray {
	seen := make(map[string]bool, len(native))
	out := make([]string, 0, len(native))
	for _, s := range native {
		canonical, ok := scopeMap[s]
		if !ok {
			canonical = s
		}
		if !seen[canonical] {
			seen[canonical] = true
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}

func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
