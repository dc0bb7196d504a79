package delivery

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
)

// Notifier pushes short pipeline-step messages to operator chats. Every send
// is best effort: a notification failure never affects the pipeline.
type Notifier struct {
	registry *Registry
	chatIDs  []int64
	logger   *zap.Logger
}

func NewNotifier(registry *Registry, chatIDs []int64, logger *zap.Logger) *Notifier {
	return &Notifier{registry: registry, chatIDs: chatIDs, logger: logger}
}

// Notify sends text to every configured operator chat using the tenant's
// operator bot identity.
func (n *Notifier) Notify(ctx context.Context, tenant models.Tenant, text string) {
	if len(n.chatIDs) == 0 {
		return
	}

	bot, err := n.registry.Bot(tenant, PurposeOperator)
	if err != nil {
		n.logger.Warn("Operator bot unavailable",
			zap.Int64("tenant_id", tenant.ID),
			zap.Error(err))
		return
	}

	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := bot.Send(msg); err != nil {
			n.logger.Warn("Operator notification failed",
				zap.Int64("chat_id", chatID),
				zap.Error(err))
		}
	}
}
