// Package notify доставляет запросы на аппрув людям.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/slack-go/slack"
	"github.com/xela07ax/hermit-cubicles/internal/domain"
	"go.uber.org/zap"
)

const (
	ActionApprove = "hermit_approve"
	ActionDeny    = "hermit_deny"

	defaultAPIURL = "https://slack.com/api/"
)

type SlackConfig struct {
	BotToken      string
	ChannelID     string
	APIURL        string
	RetryAttempts uint
}

// SlackNotifier постит Block Kit сообщение с кнопками Approve/Deny.
// Решение приходит обратно через interactive callback консоли.
type SlackNotifier struct {
	api     *slack.Client
	channel string
	retries uint
	logger  *zap.Logger
}

func NewSlackNotifier(cfg SlackConfig, httpClient *http.Client, logger *zap.Logger) (*SlackNotifier, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("notify: missing slack bot token")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, errors.New("notify: missing slack channel id")
	}
	base := strings.TrimSpace(cfg.APIURL)
	if base == "" {
		base = defaultAPIURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}

	return &SlackNotifier{
		api:     slack.New(cfg.BotToken, slack.OptionHTTPClient(httpClient), slack.OptionAPIURL(base)),
		channel: cfg.ChannelID,
		retries: cfg.RetryAttempts,
		logger:  logger.Named("slack"),
	}, nil
}

func (n *SlackNotifier) NotifyApprovalNeeded(ctx context.Context, req domain.ApprovalRequest) error {
	blocks := approvalBlocks(req)
	fallback := fmt.Sprintf("Approval required for agent %d: %s", req.AgentID, req.Command)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(n.retries),
		retry.DelayType(func(attempt uint, err error, config retry.DelayContext) time.Duration {
			// Slack сам говорит, сколько ждать
			var rle *slack.RateLimitedError
			if errors.As(err, &rle) && rle.RetryAfter > 0 {
				return rle.RetryAfter
			}
			return retry.BackOffDelay(attempt, err, config)
		}),
	)

	err := r.Do(func() error {
		_, ts, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(fallback, false),
			slack.MsgOptionBlocks(blocks...),
		)
		if err == nil {
			n.logger.Info("approval request posted", zap.Int64("log_id", req.ID), zap.String("ts", ts))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: slack post for approval %d: %w", req.ID, err)
	}
	return nil
}

func approvalBlocks(req domain.ApprovalRequest) []slack.Block {
	short := req.CubicleID
	if len(short) > 12 {
		short = short[:12]
	}
	text := fmt.Sprintf("*🔐 Approval required*\n*Agent:* %d\n*Cubicle:* `%s`\n*Command:*\n```%s```",
		req.AgentID, short, req.Command)

	approve := slack.NewButtonBlockElement(ActionApprove, ActionValue(domain.StatusApproved, req.ID, req.CubicleID),
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false)).WithStyle(slack.StylePrimary)
	deny := slack.NewButtonBlockElement(ActionDeny, ActionValue(domain.StatusDenied, req.ID, req.CubicleID),
		slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false)).WithStyle(slack.StyleDanger)

	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewActionBlock("hermit_approval_"+strconv.FormatInt(req.ID, 10), approve, deny),
	}
}

// ActionValue - значение кнопки: "approve:{logId}:{cubicleId}" или "deny:...".
func ActionValue(decision domain.ApprovalStatus, logID int64, cubicleID string) string {
	verb := "deny"
	if decision == domain.StatusApproved {
		verb = "approve"
	}
	return verb + ":" + strconv.FormatInt(logID, 10) + ":" + cubicleID
}

// ParseAction разбирает значение кнопки обратно.
func ParseAction(value string) (domain.ApprovalStatus, int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 3)
	if len(parts) != 3 {
		return "", 0, "", fmt.Errorf("notify: malformed action value %q", value)
	}
	decision, err := domain.ParseDecision(parts[0])
	if err != nil {
		return "", 0, "", err
	}
	logID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || logID <= 0 {
		return "", 0, "", fmt.Errorf("notify: bad log id in %q", value)
	}
	return decision, logID, parts[2], nil
}

// LogNotifier - без Slack просто пишем запрос в лог, решают через консоль.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("approvals")}
}

func (n *LogNotifier) NotifyApprovalNeeded(_ context.Context, req domain.ApprovalRequest) error {
	n.logger.Warn("approval required",
		zap.Int64("log_id", req.ID),
		zap.Int64("agent_id", req.AgentID),
		zap.String("cubicle_id", req.CubicleID),
		zap.String("command", req.Command))
	return nil
}
