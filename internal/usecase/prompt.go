package usecase

import (
	"fmt"
	"strings"

	"persona-chat/internal/domain"
)

// User-facing strings stay in Korean, the service's original language.

// fallbackContent replaces the assistant reply when the provider fails, so a
// turn never remains empty.
const fallbackContent = "죄송합니다. 현재 AI 서비스에 문제가 있어 응답을 생성할 수 없습니다. 잠시 후 다시 시도해주세요."

// summarySystemPrompt is the persona used for summarization requests.
const summarySystemPrompt = "당신은 대화 내용을 요약하는 전문가입니다. 핵심 정보를 놓치지 않으면서도 간결하게 요약해주세요."

// summaryInstructions asks for a digest of a few sentences (soft 200-char
// target).
const summaryInstructions = `위 대화 내용을 바탕으로, 다음 사항을 포함하여 간결하게 요약해주세요:
1. 대화의 주요 주제
2. 사용자의 관심사나 선호도
3. 중요한 정보나 결정사항
4. 대화의 감정적 톤이나 분위기

요약은 200자 이내로 작성해주세요.`

// buildSystemPrompt combines the character persona with the latest rolling
// summary, if any.
func buildSystemPrompt(persona, summary string) string {
	if summary == "" {
		return persona
	}
	return persona + fmt.Sprintf("\n\n[이전 대화 요약]\n%s\n\n위 요약을 참고하여 일관성 있는 대화를 이어가주세요.", summary)
}

// buildSummaryPrompt renders the turn transcript plus the prior summary into
// the summarization request body.
func buildSummaryPrompt(turns []domain.Turn, priorSummary string) string {
	var sb strings.Builder
	sb.WriteString("다음은 사용자와 AI 캐릭터 간의 최근 대화 내용입니다.\n\n")
	for _, t := range turns {
		role := "AI"
		if t.Role == domain.RoleUser {
			role = "사용자"
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", role, t.Content)
	}
	if priorSummary != "" {
		fmt.Fprintf(&sb, "이전 대화 요약:\n%s\n\n", priorSummary)
	}
	sb.WriteString(summaryInstructions)
	return sb.String()
}

// turnsToMessages converts persisted turns into provider messages. System
// turns and unfinalized assistant placeholders are excluded.
func turnsToMessages(turns []domain.Turn) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(turns))
	for _, t := range turns {
		if t.Role != domain.RoleUser && t.Role != domain.RoleAssistant {
			continue
		}
		if t.Content == "" {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return msgs
}
