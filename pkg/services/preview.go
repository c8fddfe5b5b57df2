package services

import (
	"fmt"
	"strings"

	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/privacy"
)

// Approval types.
const (
	ApprovalTypeSend           = "SEND"
	ApprovalTypeDelete         = "DELETE"
	ApprovalTypePayment        = "PAYMENT"
	ApprovalTypePublish        = "PUBLISH"
	ApprovalTypeAccountChange  = "ACCOUNT_CHANGE"
	ApprovalTypeCloudFinancial = "CLOUD_FINANCIAL"
)

// dangerFlagPriority orders danger flags by severity: the worst flag on
// a step decides its approval type.
var dangerFlagPriority = []string{
	"payment", "delete_file", "send_message", "publish", "account_settings", "password",
}

var dangerToApproval = map[string]string{
	"send_message":     ApprovalTypeSend,
	"delete_file":      ApprovalTypeDelete,
	"payment":          ApprovalTypePayment,
	"publish":          ApprovalTypePublish,
	"account_settings": ApprovalTypeAccountChange,
	"password":         ApprovalTypeAccountChange,
}

var approvalRisk = map[string]string{
	ApprovalTypeSend:           "Отправка сообщения/публикация",
	ApprovalTypeDelete:         "Удаление или необратимое изменение",
	ApprovalTypePayment:        "Оплата/перевод/подписка",
	ApprovalTypePublish:        "Публикация контента",
	ApprovalTypeAccountChange:  "Изменение настроек аккаунта или безопасности",
	ApprovalTypeCloudFinancial: "Передача финансовых данных в облако",
}

var approvalSuggestedAction = map[string]string{
	ApprovalTypeSend:           "Проверьте получателя и текст сообщения",
	ApprovalTypeDelete:         "Подтвердите список удаляемых объектов",
	ApprovalTypePayment:        "Подтвердите сумму и получателя",
	ApprovalTypePublish:        "Подтвердите площадку и содержание",
	ApprovalTypeAccountChange:  "Подтвердите изменение настроек аккаунта",
	ApprovalTypeCloudFinancial: "Подтвердите отправку финансовых данных в облако",
}

// Preview is the user-facing digest of a pending dangerous action.
type Preview struct {
	Summary             string         `json:"summary"`
	Details             map[string]any `json:"details"`
	Risk                string         `json:"risk"`
	SuggestedUserAction string         `json:"suggested_user_action"`
	ExpiresInMs         *int64         `json:"expires_in_ms"`
}

// ApprovalTypeFromFlags picks the approval type for a set of danger
// flags by severity priority. Unknown or empty flag sets degrade to
// ACCOUNT_CHANGE, the most generic gate.
func ApprovalTypeFromFlags(flags []string) string {
	set := make(map[string]bool, len(flags))
	for _, f := range flags {
		set[f] = true
	}
	for _, flag := range dangerFlagPriority {
		if set[flag] {
			return dangerToApproval[flag]
		}
	}
	return ApprovalTypeAccountChange
}

func stepInput(step *models.PlanStep, keys ...string) any {
	if step == nil || step.Inputs == nil {
		return nil
	}
	for _, key := range keys {
		if v, ok := step.Inputs[key]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func orUnknown(v any) any {
	if v == nil {
		return "UNKNOWN"
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return "UNKNOWN"
	}
	return v
}

// PreviewForStep renders the approval preview for one dangerous plan
// step from its declared inputs. Missing inputs surface as UNKNOWN
// rather than being omitted, so the user sees what the plan did not pin
// down.
func PreviewForStep(run *models.Run, step *models.PlanStep, approvalType string) *Preview {
	summary := "Опасное действие"
	if step != nil && strings.TrimSpace(step.Title) != "" {
		summary = step.Title
	} else if run != nil && strings.TrimSpace(run.QueryText) != "" {
		summary = run.QueryText
	}

	details := map[string]any{}
	switch approvalType {
	case ApprovalTypeSend:
		details = map[string]any{
			"target_app":       orUnknown(stepInput(step, "app")),
			"message_text":     orUnknown(stepInput(step, "message_text", "text")),
			"destination_hint": orUnknown(stepInput(step, "destination")),
		}
	case ApprovalTypeDelete:
		details = map[string]any{
			"items":  orUnknown(stepInput(step, "items")),
			"impact": orUnknown(stepInput(step, "impact")),
		}
	case ApprovalTypePayment:
		details = map[string]any{
			"amount":   orUnknown(stepInput(step, "amount")),
			"currency": orUnknown(stepInput(step, "currency")),
			"merchant": orUnknown(stepInput(step, "merchant")),
		}
	case ApprovalTypePublish:
		content := orUnknown(stepInput(step, "content"))
		if text, ok := content.(string); ok {
			if runes := []rune(text); len(runes) > 120 {
				content = string(runes[:120]) + "…"
			}
		}
		details = map[string]any{
			"platform_hint":   orUnknown(stepInput(step, "platform")),
			"content_preview": content,
		}
	case ApprovalTypeAccountChange:
		details = map[string]any{
			"change": orUnknown(stepInput(step, "change")),
		}
	}

	risk, ok := approvalRisk[approvalType]
	if !ok {
		risk = "Опасное действие"
	}
	suggested, ok := approvalSuggestedAction[approvalType]
	if !ok {
		suggested = "Подтвердите выполнение"
	}
	return &Preview{
		Summary:             summary,
		Details:             details,
		Risk:                risk,
		SuggestedUserAction: suggested,
	}
}

// ScopeCloudFinancial marks approvals that gate financial file content
// before it enters a model prompt.
const ScopeCloudFinancial = "cloud_financial"

// FinancialFileItems extracts the financial file content a plan step
// declares in its inputs as privacy context items. Empty unless the
// inputs carry both the content and the financial sensitivity label.
func FinancialFileItems(step *models.PlanStep) []privacy.ContextItem {
	if step == nil || step.Inputs == nil {
		return nil
	}
	sensitivity, _ := step.Inputs["sensitivity"].(string)
	if sensitivity != privacy.SensitivityFinancial {
		return nil
	}
	content, _ := step.Inputs["file_content"].(string)
	if strings.TrimSpace(content) == "" {
		return nil
	}
	path, _ := step.Inputs["file_path"].(string)
	return []privacy.ContextItem{{
		Content:     content,
		SourceType:  privacy.SourceFileContent,
		Sensitivity: privacy.SensitivityFinancial,
		Provenance:  path,
	}}
}

// RedactionSummary reports how many secret-looking substrings the
// redaction battery would strip from the items.
func RedactionSummary(items []privacy.ContextItem) map[string]any {
	total := 0
	for _, item := range items {
		_, n := privacy.RedactSecrets(item.Content)
		total += n
	}
	return map[string]any{"redacted_count": total}
}

// CloudFinancialPreview is the gate shown before financial file content
// leaves the machine for a cloud model.
func CloudFinancialPreview(items []privacy.ContextItem, redactionSummary map[string]any) *Preview {
	var files []any
	for _, item := range items {
		if item.SourceType != privacy.SourceFileContent {
			continue
		}
		files = append(files, orUnknown(item.Provenance))
	}
	if len(files) == 0 {
		files = []any{"UNKNOWN"}
	}
	if redactionSummary == nil {
		redactionSummary = map[string]any{}
	}
	return &Preview{
		Summary: "Отправка финансовых данных в облако",
		Details: map[string]any{
			"file_paths":        files,
			"content":           "выжимка/фрагменты",
			"redaction_summary": redactionSummary,
		},
		Risk:                approvalRisk[ApprovalTypeCloudFinancial],
		SuggestedUserAction: approvalSuggestedAction[ApprovalTypeCloudFinancial],
	}
}

// ProposedActionsFromPreview flattens a preview into the approval's
// proposed_actions lines.
func ProposedActionsFromPreview(approvalType string, p *Preview) []string {
	summary := "Approval required"
	if p != nil && strings.TrimSpace(p.Summary) != "" {
		summary = p.Summary
	}
	actions := []string{fmt.Sprintf("%s: %s", approvalType, summary)}
	if p != nil {
		if text, ok := p.Details["message_text"].(string); ok && text != "UNKNOWN" && strings.TrimSpace(text) != "" {
			actions = append(actions, text)
		}
	}
	return actions
}
