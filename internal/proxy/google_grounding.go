package proxy

import (
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaykit/llmgate/internal/settingsvc"
)

const googleGenerativeLanguageHost = "generativelanguage.googleapis.com"

// applyGoogleGrounding implements spec.md §4.5 step 4: when grounding is
// enabled and the configured endpoint is Google's Generative Language API,
// the outbound tool configuration is rewritten in place. Any other endpoint
// leaves body untouched regardless of the setting.
func applyGoogleGrounding(body []byte, settings settingsvc.Settings) []byte {
	if !settings.EnableGoogleGrounding || !isGoogleEndpoint(settings.Endpoint) {
		return body
	}

	model := gjson.GetBytes(body, "model").String()
	out := body
	var err error

	if strings.Contains(model, "gemini") {
		out, err = sjson.SetBytes(out, "tools", []any{})
		if err != nil {
			return body
		}
	} else {
		out, err = sjson.SetBytes(out, "tools", []any{
			map[string]any{"googleSearchRetrieval": map[string]any{}},
		})
		if err != nil {
			return body
		}
	}

	out, err = sjson.SetBytes(out, "tool_choice", "auto")
	if err != nil {
		return body
	}
	return out
}

func isGoogleEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return u.Hostname() == googleGenerativeLanguageHost
}
