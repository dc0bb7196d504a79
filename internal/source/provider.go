package source

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
)

// TelegramProvider caches one Telegram client per tenant. A tenant without
// its own bot token shares the default one.
type TelegramProvider struct {
	mu           sync.Mutex
	clients      map[int64]*TelegramClient
	defaultToken string
	logger       *zap.Logger
}

func NewTelegramProvider(defaultToken string, logger *zap.Logger) *TelegramProvider {
	return &TelegramProvider{
		clients:      make(map[int64]*TelegramClient),
		defaultToken: defaultToken,
		logger:       logger,
	}
}

func (p *TelegramProvider) Client(tenant models.Tenant) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[tenant.ID]; ok {
		return c, nil
	}

	token := tenant.BotToken
	if token == "" {
		token = p.defaultToken
	}
	if token == "" {
		return nil, fmt.Errorf("no bot token for tenant %d", tenant.ID)
	}

	c, err := NewTelegramClient(token, p.logger)
	if err != nil {
		return nil, fmt.Errorf("client for tenant %d: %w", tenant.ID, err)
	}
	p.clients[tenant.ID] = c
	return c, nil
}
