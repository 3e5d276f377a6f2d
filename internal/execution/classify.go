package execution

import "strings"

// Маркеры внутриполосного протокола. Формат фиксирован агентами внутри кабинок.
const (
	markerCommand        = "COMMAND:"
	markerCommandOutput  = "COMMAND_OUTPUT:"
	markerHITL           = "[HITL]"
	markerApprovalNeeded = "APPROVAL_REQUIRED"
	markerMeeting        = "[MEETING]"

	placeholderCommand = "Unknown command"
)

type Kind int

const (
	KindBlank Kind = iota
	KindPlain
	KindProgress
	KindApprovalRequired
	KindApprovalConfirmed
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindPlain:
		return "plain"
	case KindProgress:
		return "progress"
	case KindApprovalRequired:
		return "approval_required"
	case KindApprovalConfirmed:
		return "approval_confirmed"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Marker уточняет KindProgress.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerCommand
	MarkerCommandOutput
	MarkerMeeting
)

// Line - разобранная строка вывода. Только Classify смотрит в сырой текст,
// остальной код работает с Kind/Marker/Payload.
type Line struct {
	Kind    Kind
	Marker  Marker
	Payload string // команда для Command/ApprovalRequired
	Raw     string
}

// Classify - единственная точка разбора маркеров.
func Classify(raw string) Line {
	raw = strings.TrimRight(raw, "\r\n")
	l := Line{Raw: raw}
	t := strings.TrimSpace(raw)

	switch {
	case t == "":
		l.Kind = KindBlank

	// Запрос подтверждения ловим где угодно в строке: пропустить его нельзя
	case strings.Contains(t, markerHITL+" "+markerApprovalNeeded):
		l.Kind = KindApprovalRequired
		l.Payload = approvalCommand(t)

	// Прочие маркеры HITL только в начале строки. Ответ, цитирующий тег, остается текстом.
	case strings.HasPrefix(t, markerHITL):
		l.Kind = classifyHITL(t, &l)

	case strings.HasPrefix(t, markerMeeting):
		l.Kind, l.Marker = KindProgress, MarkerMeeting

	// COMMAND_OUTPUT: раньше COMMAND:, иначе префикс съест его
	case strings.HasPrefix(t, markerCommandOutput):
		l.Kind, l.Marker = KindProgress, MarkerCommandOutput
		l.Payload = strings.TrimSpace(strings.TrimPrefix(t, markerCommandOutput))

	case strings.HasPrefix(t, markerCommand):
		l.Kind, l.Marker = KindProgress, MarkerCommand
		l.Payload = strings.TrimSpace(strings.TrimPrefix(t, markerCommand))

	case isInternal(t):
		l.Kind = KindInternal

	default:
		l.Kind = KindPlain
	}
	return l
}

func approvalCommand(t string) string {
	i := strings.Index(t, markerApprovalNeeded)
	cmd := strings.TrimSpace(strings.TrimPrefix(t[i+len(markerApprovalNeeded):], ":"))
	if cmd == "" {
		return placeholderCommand
	}
	return cmd
}

func classifyHITL(t string, l *Line) Kind {
	rest := strings.TrimSpace(strings.TrimPrefix(t, markerHITL))
	if strings.HasPrefix(rest, markerApprovalNeeded) {
		l.Payload = approvalCommand(rest)
		return KindApprovalRequired
	}

	// Агенты пишут по-разному: "[HITL] APPROVED", "[HITL] Approved!", "[HITL] EXECUTING: ls"
	rest = strings.ToUpper(rest)
	for _, p := range []string{"APPROVED", "EXECUTED", "EXECUTING"} {
		if strings.HasPrefix(rest, p) {
			return KindApprovalConfirmed
		}
	}
	return KindInternal
}

func isInternal(t string) bool {
	return strings.HasPrefix(t, "{") ||
		strings.HasPrefix(t, "[Workspace]") ||
		strings.Contains(t, "Working directory set to") ||
		strings.Contains(t, "TARGET_ROLE:") ||
		strings.Contains(t, "DELEGATION_APPROVAL_REQUIRED")
}
