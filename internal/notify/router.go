package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/time/rate"
)

// ErrUnknownPlatform is returned for messages addressed to an unregistered platform.
var ErrUnknownPlatform = errors.New("unknown platform")

// Router delivers user messages through the notifier registered for the
// message platform. It satisfies core.MessageSender.
type Router struct {
	notifiers       map[string]Notifier
	defaultPlatform string
	limiter         *rate.Limiter
	logger          *slog.Logger
}

// NewRouter creates a router. Messages without a platform go to
// defaultPlatform. A nil limiter disables throttling.
func NewRouter(defaultPlatform string, limiter *rate.Limiter, logger *slog.Logger) *Router {
	return &Router{
		notifiers:       make(map[string]Notifier),
		defaultPlatform: strings.ToLower(defaultPlatform),
		limiter:         limiter,
		logger:          logger,
	}
}

// Register adds or replaces the notifier for platform.
func (r *Router) Register(platform string, n Notifier) {
	r.notifiers[strings.ToLower(platform)] = n
}

// Platforms lists the registered platforms.
func (r *Router) Platforms() []string {
	out := make([]string, 0, len(r.notifiers))
	for p := range r.notifiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Router) SendUserMessage(ctx context.Context, userID, platform, text string) error {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = r.defaultPlatform
	}
	n, ok := r.notifiers[platform]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
	}
	if err := n.Send(ctx, userID, text); err != nil {
		r.logger.Warn("deliver user message", "user_id", userID, "platform", platform, "err", err)
		return err
	}
	r.logger.Debug("user message delivered", "user_id", userID, "platform", platform)
	return nil
}
