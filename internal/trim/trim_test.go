package trim

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Egham-7/adaptive-proxy/internal/domain"
)

func msg(role, content string) domain.Message {
	return domain.Message{Role: role, Content: json.RawMessage(`"` + content + `"`)}
}

func TestTrimPreservesSystemAndFinalUser(t *testing.T) {
	messages := []domain.Message{
		msg("system", "sys"),
		msg("user", strings.Repeat("a", 40)),
		msg("assistant", strings.Repeat("b", 40)),
		msg("user", strings.Repeat("c", 40)),
		msg("assistant", strings.Repeat("d", 40)),
		msg("user", strings.Repeat("e", 40)),
		msg("user", "final"),
	}

	out := Messages(messages, 20) // 20 tokens * 4 chars/token = 80 chars

	if out[0].Role != "system" {
		t.Fatalf("expected first message to remain system, got %s", out[0].Role)
	}
	if out[len(out)-1].Role != "user" {
		t.Fatalf("expected final message to remain the final user message")
	}

	total := 0
	for _, m := range out {
		total += len(m.Content)
	}
	if total > 80 {
		t.Fatalf("expected trimmed total <= 80 chars, got %d", total)
	}
}

func TestTrimSingleMessageNeverDropped(t *testing.T) {
	messages := []domain.Message{msg("user", strings.Repeat("x", 1000))}
	out := Messages(messages, 1)
	if len(out) != 1 {
		t.Fatalf("expected the single message to survive trimming, got %d messages", len(out))
	}
}

func TestTrimDisabledWhenBudgetNonPositive(t *testing.T) {
	messages := []domain.Message{msg("user", "hi")}
	out := Messages(messages, 0)
	if len(out) != 1 {
		t.Fatalf("expected trimming to be a no-op when budget is zero")
	}
}

func TestTrimDropsOldestNonPreservedFirst(t *testing.T) {
	messages := []domain.Message{
		msg("system", "s"),
		msg("user", "oldest"),
		msg("user", "newer"),
		msg("user", "final"),
	}
	out := Messages(messages, 1) // forces aggressive trimming

	for _, m := range out {
		if string(m.Content) == `"oldest"` {
			t.Fatalf("expected the oldest non-preserved message to be dropped first")
		}
	}
}
