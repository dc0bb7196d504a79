package delivery

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
)

// BotPurpose separates the bot identity used for recipient delivery from the
// one used for operator notifications.
type BotPurpose string

const (
	PurposeDelivery BotPurpose = "delivery"
	PurposeOperator BotPurpose = "operator"
)

type botKey struct {
	tenantID int64
	purpose  BotPurpose
}

// Registry hands out Telegram bot clients per (tenant, purpose), creating
// each lazily and reusing it for the process lifetime. A tenant without its
// own token falls back to the shared default token.
type Registry struct {
	mu           sync.Mutex
	bots         map[botKey]*tgbotapi.BotAPI
	defaultToken string
	logger       *zap.Logger
}

func NewRegistry(defaultToken string, logger *zap.Logger) *Registry {
	return &Registry{
		bots:         make(map[botKey]*tgbotapi.BotAPI),
		defaultToken: defaultToken,
		logger:       logger,
	}
}

// Bot returns the client for a tenant and purpose, authorizing it on first use.
func (r *Registry) Bot(tenant models.Tenant, purpose BotPurpose) (*tgbotapi.BotAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := botKey{tenantID: tenant.ID, purpose: purpose}
	if bot, ok := r.bots[key]; ok {
		return bot, nil
	}

	token := tenant.BotToken
	if token == "" {
		token = r.defaultToken
	}
	if token == "" {
		return nil, fmt.Errorf("no bot token for tenant %d", tenant.ID)
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot for tenant %d: %w", tenant.ID, err)
	}

	r.logger.Info("Bot authorized",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("purpose", string(purpose)),
		zap.String("username", bot.Self.UserName))

	r.bots[key] = bot
	return bot, nil
}
