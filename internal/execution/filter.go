package execution

import (
	"strings"
)

const (
	noOutputMessage = "⚠️ Agent completed but produced no visible output.\n" +
		"Try:\n" +
		"• Check if API keys are valid\n" +
		"• Try a simpler request\n" +
		"• Use /logs to see container logs"
	unknownErrorLine = "Unknown error occurred"
)

// Filter оставляет только Plain-строки в исходном порядке.
func Filter(transcript string) string {
	lines := strings.Split(transcript, "\n")
	kept := make([]string, 0, len(lines))
	for _, raw := range lines {
		l := Classify(raw)
		if l.Kind == KindPlain {
			kept = append(kept, l.Raw)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Finalize - текст для пользователя. Пусто или меньше двух символов -
// диагностика: либо ошибка агента, либо "ничего не вывел".
func Finalize(transcript string) string {
	out := Filter(transcript)
	if len(out) >= 2 {
		return out
	}
	return diagnostic(transcript)
}

func diagnostic(transcript string) string {
	if !strings.Contains(transcript, "Error:") && !strings.Contains(transcript, "error") {
		return noOutputMessage
	}

	var errLines []string
	for _, l := range strings.Split(transcript, "\n") {
		if strings.Contains(strings.ToLower(l), "error") {
			errLines = append(errLines, strings.TrimRight(l, "\r"))
		}
	}
	body := strings.Join(errLines, "\n")
	if body == "" {
		body = unknownErrorLine
	}
	return "❌ Agent error:\n" + body
}
