package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultWebhookTimeout bounds a single outbound webhook call.
	DefaultWebhookTimeout = 30 * time.Second
	// maxForwardedRunes caps AI output forwarded to users.
	maxForwardedRunes = 4000
)

// MessageSender delivers text to an end user on a messaging platform.
type MessageSender interface {
	SendUserMessage(ctx context.Context, userID, platform, text string) error
}

// AICompleter runs a prompt against a chat-completion model.
type AICompleter interface {
	Complete(ctx context.Context, userID, prompt string) (string, error)
}

// WebhookResponse is the part of an HTTP response the executor inspects.
type WebhookResponse struct {
	Status int
	Body   string
}

// WebhookPoster performs an outbound JSON POST.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload any, timeout time.Duration) (WebhookResponse, error)
}

// WebhookPayload is the JSON body sent for webhook actions.
type WebhookPayload struct {
	UserID    string         `json:"user_id"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Executor runs the action associated with a task.
type Executor interface {
	Execute(ctx context.Context, userID string, action Action) (string, error)
}

// ExecutorOptions configures an ActionExecutor.
type ExecutorOptions struct {
	Messages       MessageSender
	AI             AICompleter
	Webhooks       WebhookPoster
	WebhookTimeout time.Duration
	// Limiter throttles outbound AI and webhook calls. Nil disables throttling.
	Limiter *rate.Limiter
	Now     func() time.Time
}

// ActionExecutor dispatches actions to their collaborators strictly by type.
type ActionExecutor struct {
	messages       MessageSender
	ai             AICompleter
	webhooks       WebhookPoster
	webhookTimeout time.Duration
	limiter        *rate.Limiter
	now            func() time.Time
	logger         *slog.Logger
}

// NewActionExecutor creates a new executor.
func NewActionExecutor(opts ExecutorOptions, logger *slog.Logger) *ActionExecutor {
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = DefaultWebhookTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ActionExecutor{
		messages:       opts.Messages,
		ai:             opts.AI,
		webhooks:       opts.Webhooks,
		webhookTimeout: opts.WebhookTimeout,
		limiter:        opts.Limiter,
		now:            opts.Now,
		logger:         logger,
	}
}

// Execute performs the action and returns a short human-readable result.
func (e *ActionExecutor) Execute(ctx context.Context, userID string, action Action) (string, error) {
	switch action.Type {
	case ActionSendMessage:
		return e.sendMessage(ctx, userID, action)
	case ActionAIRequest:
		return e.aiRequest(ctx, userID, action)
	case ActionWebhook:
		return e.webhook(ctx, userID, action)
	case ActionRunCommand, ActionCustom:
		e.logger.Warn("refusing disabled action", "user_id", userID, "action", action.Type)
		return DisabledActionResult(action.Type), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, action.Type)
	}
}

// DisabledActionResult is the fixed result of run_command and custom actions.
func DisabledActionResult(t ActionType) string {
	return fmt.Sprintf("action type %s is disabled for security reasons", t)
}

func (e *ActionExecutor) sendMessage(ctx context.Context, userID string, action Action) (string, error) {
	if e.messages == nil {
		return "", actionError(action.Type, errors.New("message sender not configured"))
	}
	if err := e.messages.SendUserMessage(ctx, userID, action.Platform, action.Message); err != nil {
		return "", actionError(action.Type, err)
	}
	return "message delivered", nil
}

func (e *ActionExecutor) aiRequest(ctx context.Context, userID string, action Action) (string, error) {
	if e.ai == nil {
		return "", actionError(action.Type, errors.New("ai client not configured"))
	}
	if err := e.wait(ctx); err != nil {
		return "", actionError(action.Type, err)
	}
	reply, err := e.ai.Complete(ctx, userID, action.Prompt)
	if err != nil {
		return "", actionError(action.Type, err)
	}
	if !action.SendToUser {
		return reply, nil
	}
	if e.messages == nil {
		return "", actionError(action.Type, errors.New("message sender not configured"))
	}
	if err := e.messages.SendUserMessage(ctx, userID, action.Platform, truncateRunes(reply, maxForwardedRunes)); err != nil {
		return "", actionError(action.Type, fmt.Errorf("forward reply: %w", err))
	}
	return reply, nil
}

func (e *ActionExecutor) webhook(ctx context.Context, userID string, action Action) (string, error) {
	if e.webhooks == nil {
		return "", actionError(action.Type, errors.New("webhook client not configured"))
	}
	if err := e.wait(ctx); err != nil {
		return "", actionError(action.Type, err)
	}
	payload := WebhookPayload{
		UserID:    userID,
		Timestamp: e.now().UTC().Format(time.RFC3339),
		Metadata:  action.Metadata,
	}
	resp, err := e.webhooks.Post(ctx, action.URL, payload, e.webhookTimeout)
	if err != nil {
		return "", actionError(action.Type, err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", actionError(action.Type, fmt.Errorf("webhook returned status %d", resp.Status))
	}
	return fmt.Sprintf("webhook returned status %d", resp.Status), nil
}

func (e *ActionExecutor) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
