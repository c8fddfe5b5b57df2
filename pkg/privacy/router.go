// Package privacy gates every piece of context before it reaches an LLM
// dispatch: items from forbidden channels are dropped, secret-looking
// substrings are redacted and each item is truncated to a per-item cap.
// Routing is pinned to the local provider; the kernel never dispatches to
// a non-local endpoint.
package privacy

import (
	"net/url"
	"regexp"

	"github.com/astra-local/astra/pkg/config"
)

// RouteLocal is the only route the kernel ever selects.
const RouteLocal = "LOCAL"

// Redacted replaces every secret match.
const Redacted = "[REDACTED]"

// Context item source types.
const (
	SourceUserPrompt      = "user_prompt"
	SourceWebPageText     = "web_page_text"
	SourceTelegramText    = "telegram_text"
	SourceFileContent     = "file_content"
	SourceAppUIText       = "app_ui_text"
	SourceScreenshotText  = "screenshot_text"
	SourceSystemNote      = "system_note"
	SourceInternalSummary = "internal_summary"
)

// Sensitivity levels.
const (
	SensitivityPublic       = "public"
	SensitivityPersonal     = "personal"
	SensitivityFinancial    = "financial"
	SensitivityConfidential = "confidential"
)

// ContextItem is one labeled chunk of context heading for a prompt.
type ContextItem struct {
	Content     string `json:"content"`
	SourceType  string `json:"source_type"`
	Sensitivity string `json:"sensitivity"`
	Provenance  string `json:"provenance,omitempty"`
}

// Decision is the routing verdict for a request's context.
type Decision struct {
	Route  string `json:"route"`
	Reason string `json:"reason"`
}

// Result is the outcome of sanitizing a context item list.
type Result struct {
	Items           []ContextItem  `json:"items"`
	RemovedBySource map[string]int `json:"removed_by_source"`
	RedactedCount   int            `json:"redacted_count"`
	TotalChars      int            `json:"total_chars"`
	Truncated       bool           `json:"truncated"`
}

// secretPatterns is the built-in redaction battery. Order does not matter;
// every pattern is applied to every string.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passphrase)\s*[:=]\s*[^\s"']+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`),
}

// Router applies the privacy policy.
type Router struct {
	cfg *config.PrivacyConfig
}

// NewRouter creates a privacy router with the given policy knobs.
func NewRouter(cfg *config.PrivacyConfig) *Router {
	if cfg == nil {
		cfg = config.DefaultPrivacyConfig()
	}
	return &Router{cfg: cfg}
}

// DecideRoute selects the dispatch route for the given items. The active
// policy is local-only, so the answer is always LOCAL; the reason records
// which rule pinned it.
func (r *Router) DecideRoute(items []ContextItem) Decision {
	if r.cfg.StrictLocal {
		return Decision{Route: RouteLocal, Reason: "strict_local"}
	}
	for _, item := range items {
		switch item.SourceType {
		case SourceTelegramText:
			return Decision{Route: RouteLocal, Reason: "telegram_text_present"}
		case SourceScreenshotText:
			return Decision{Route: RouteLocal, Reason: "screenshot_text_present"}
		}
	}
	return Decision{Route: RouteLocal, Reason: "default_local"}
}

// Sanitize drops forbidden items, redacts secrets and truncates content.
// Rules, in order per item:
//   - telegram_text and screenshot_text never pass
//   - financial file_content passes only with the explicit allow flag
//   - secrets are replaced with [REDACTED]
//   - content is truncated to MaxItemChars
//   - items left empty after sanitizing are dropped
func (r *Router) Sanitize(items []ContextItem) Result {
	res := Result{
		Items:           make([]ContextItem, 0, len(items)),
		RemovedBySource: map[string]int{},
	}

	for _, item := range items {
		switch item.SourceType {
		case SourceTelegramText, SourceScreenshotText:
			res.RemovedBySource[item.SourceType]++
			continue
		}
		if item.SourceType == SourceFileContent &&
			item.Sensitivity == SensitivityFinancial &&
			!r.cfg.CloudFileContentAllowed {
			res.RemovedBySource[item.SourceType]++
			continue
		}

		content, redacted := RedactSecrets(item.Content)
		res.RedactedCount += redacted
		if runes := []rune(content); len(runes) > r.cfg.MaxItemChars {
			content = string(runes[:r.cfg.MaxItemChars])
			res.Truncated = true
		}
		if content == "" {
			res.RemovedBySource[item.SourceType]++
			continue
		}

		item.Content = content
		res.TotalChars += len([]rune(content))
		res.Items = append(res.Items, item)
	}

	return res
}

// RedactSecrets replaces every secret-looking substring and returns the
// sanitized text with the number of replacements.
func RedactSecrets(text string) (string, int) {
	total := 0
	for _, pattern := range secretPatterns {
		matches := pattern.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		total += len(matches)
		text = pattern.ReplaceAllString(text, Redacted)
	}
	return text, total
}

// Summarize counts items by source type and sensitivity for audit events.
func Summarize(items []ContextItem) map[string]any {
	bySource := map[string]int{}
	bySensitivity := map[string]int{}
	for _, item := range items {
		bySource[item.SourceType]++
		bySensitivity[item.Sensitivity]++
	}
	return map[string]any{
		"by_source_type": bySource,
		"by_sensitivity": bySensitivity,
	}
}

// IsLocalEndpoint reports whether the URL points at this machine. The
// brain refuses to dispatch anywhere else.
func IsLocalEndpoint(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	return false
}
