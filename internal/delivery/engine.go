package delivery

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/storage"
)

// Sender pushes messages out on behalf of a tenant.
type Sender interface {
	SendText(ctx context.Context, tenant models.Tenant, chatID int64, text string) error
	SendFile(ctx context.Context, tenant models.Tenant, chatID int64, fileName string, data []byte, caption string) error
}

// TelegramSender implements Sender over per-tenant bot clients.
type TelegramSender struct {
	registry *Registry
}

func NewTelegramSender(registry *Registry) *TelegramSender {
	return &TelegramSender{registry: registry}
}

func (s *TelegramSender) SendText(ctx context.Context, tenant models.Tenant, chatID int64, text string) error {
	bot, err := s.registry.Bot(tenant, PurposeDelivery)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send text to %d: %w", chatID, err)
	}
	return nil
}

func (s *TelegramSender) SendFile(ctx context.Context, tenant models.Tenant, chatID int64, fileName string, data []byte, caption string) error {
	bot, err := s.registry.Bot(tenant, PurposeDelivery)
	if err != nil {
		return err
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: fileName, Bytes: data})
	doc.Caption = caption
	if _, err := bot.Send(doc); err != nil {
		return fmt.Errorf("failed to send file to %d: %w", chatID, err)
	}
	return nil
}

// Engine fans a generated digest out to a source's recipients under its
// resolved policy. Text and file are independent attempts per recipient:
// one failing never blocks the other, and every attempt leaves a record.
type Engine struct {
	store  storage.Storage
	sender Sender
	logger *zap.Logger
}

func NewEngine(store storage.Storage, sender Sender, logger *zap.Logger) *Engine {
	return &Engine{store: store, sender: sender, logger: logger}
}

// Payload is everything Deliver needs beyond the digest row itself.
type Payload struct {
	Digest     *models.Digest
	FileName   string
	FileData   []byte // nil when no artifact should accompany the text
	ChangeNote string // appended to the text when the consolidated doc changed
}

// Deliver sends one digest to all recipients of its source. Returns the
// number of failed attempts; a non-nil error only for setup problems that
// prevented any attempt.
func (e *Engine) Deliver(ctx context.Context, tenant models.Tenant, src models.Source, p Payload) (int, error) {
	policy := ResolvePolicy(src)
	text := e.composeText(src, p, policy)

	failed := 0
	for _, r := range src.Recipients {
		if policy.SendText && r.SendText {
			err := e.sender.SendText(ctx, tenant, r.TelegramID, text)
			e.record(ctx, tenant, p.Digest, r, models.DeliveryText, err)
			if err != nil {
				failed++
				e.logger.Warn("Text delivery failed",
					zap.Int64("tenant_id", tenant.ID),
					zap.Int64("recipient", r.TelegramID),
					zap.Error(err))
			}
		}

		if policy.SendFile && r.SendFile && p.FileData != nil {
			caption := fmt.Sprintf("Digest for %s", src.Name)
			err := e.sender.SendFile(ctx, tenant, r.TelegramID, p.FileName, p.FileData, caption)
			e.record(ctx, tenant, p.Digest, r, models.DeliveryFile, err)
			if err != nil {
				failed++
				e.logger.Warn("File delivery failed",
					zap.Int64("tenant_id", tenant.ID),
					zap.Int64("recipient", r.TelegramID),
					zap.Error(err))
			}
		}
	}

	e.logger.Info("Digest delivered",
		zap.Int64("tenant_id", tenant.ID),
		zap.Int64("source_id", src.ID),
		zap.Int64("digest_id", p.Digest.ID),
		zap.Int("recipients", len(src.Recipients)),
		zap.Int("failed", failed))

	return failed, nil
}

func (e *Engine) composeText(src models.Source, p Payload, policy Policy) string {
	body := p.Digest.Generated
	if !policy.SummaryOnly {
		body = fmt.Sprintf("*%s*\n\n%s", src.Name, body)
	}
	body = shapeBody(body, policy)

	if p.ChangeNote != "" {
		body += "\n\n_Document updated: " + p.ChangeNote + "_"
	}
	return Truncate(body, PlatformCap-1)
}

func (e *Engine) record(ctx context.Context, tenant models.Tenant, d *models.Digest, r models.Recipient, channel models.DeliveryChannel, sendErr error) {
	rec := &models.DeliveryRecord{
		TenantID:    tenant.ID,
		DigestID:    d.ID,
		RecipientID: r.TelegramID,
		Channel:     channel,
		Status:      models.DeliverySent,
	}
	if sendErr != nil {
		rec.Status = models.DeliveryFailed
		rec.Error = sendErr.Error()
	} else {
		now := time.Now().UTC()
		rec.SentAt = &now
	}

	if err := e.store.SaveDelivery(ctx, rec); err != nil {
		e.logger.Error("Failed to record delivery attempt",
			zap.Int64("digest_id", d.ID),
			zap.Int64("recipient", r.TelegramID),
			zap.Error(err))
	}
}
