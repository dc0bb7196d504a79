package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
)

const (
	fetchBatchSize  = 100
	downloadTimeout = 60 * time.Second
)

// TelegramClient implements Client on top of the Telegram Bot API.
type TelegramClient struct {
	api    *tgbotapi.BotAPI
	http   *http.Client
	logger *zap.Logger
}

func NewTelegramClient(token string, logger *zap.Logger) (*TelegramClient, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	return &TelegramClient{
		api:    api,
		http:   &http.Client{Timeout: downloadTimeout},
		logger: logger,
	}, nil
}

func (c *TelegramClient) FetchNewUnits(ctx context.Context, sources []models.Source, after map[models.SourceKey]int64) (map[models.SourceKey][]Fetched, error) {
	bySourceID := make(map[int64]models.Source, len(sources))
	for _, src := range sources {
		bySourceID[src.ID] = src
	}

	out := make(map[models.SourceKey][]Fetched, len(sources))
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		u := tgbotapi.NewUpdate(offset)
		u.Limit = fetchBatchSize
		u.Timeout = 0

		updates, err := c.api.GetUpdates(u)
		if err != nil {
			if isChatGone(err) {
				return nil, fmt.Errorf("update poll: %w", ErrSourceGone)
			}
			return nil, fmt.Errorf("failed to fetch updates: %w", err)
		}
		if len(updates) == 0 {
			break
		}

		offset = c.demux(bySourceID, after, updates, out)

		if len(updates) < fetchBatchSize {
			break
		}
	}

	total := 0
	for key := range out {
		units := out[key]
		sort.Slice(units, func(i, j int) bool {
			return units[i].Unit.UnitID < units[j].Unit.UnitID
		})
		total += len(units)
	}

	c.logger.Debug("Fetched units",
		zap.Int("sources", len(sources)),
		zap.Int("count", total))
	return out, nil
}

// demux routes one update batch to its sources and returns the next poll
// offset. Every source sees the batch before the offset acknowledges it:
// pagination on behalf of one source never discards another's messages.
func (c *TelegramClient) demux(bySourceID map[int64]models.Source, after map[models.SourceKey]int64, updates []tgbotapi.Update, out map[models.SourceKey][]Fetched) int {
	offset := 0
	for _, upd := range updates {
		offset = upd.UpdateID + 1
		msg := upd.Message
		if msg == nil {
			msg = upd.ChannelPost
		}
		if msg == nil || msg.Chat == nil {
			continue
		}
		src, ok := bySourceID[msg.Chat.ID]
		if !ok {
			continue
		}
		key := src.Key()
		if int64(msg.MessageID) <= after[key] {
			continue
		}
		out[key] = append(out[key], c.toFetched(src, msg))
	}
	return offset
}

func (c *TelegramClient) toFetched(src models.Source, msg *tgbotapi.Message) Fetched {
	text := msg.Text
	if msg.Caption != "" {
		text = msg.Caption
	}

	unit := models.Unit{
		TenantID:   src.TenantID,
		SourceKind: src.Kind,
		SourceID:   src.ID,
		UnitID:     int64(msg.MessageID),
		SentAt:     time.Unix(int64(msg.Date), 0).UTC(),
		Text:       text,
	}
	if msg.From != nil {
		unit.SenderID = msg.From.ID
		unit.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	if raw, err := json.Marshal(msg); err == nil {
		unit.Raw = raw
	}

	var attachments []AttachmentRef
	if len(msg.Photo) > 0 {
		// Largest size is last.
		photo := msg.Photo[len(msg.Photo)-1]
		attachments = append(attachments, AttachmentRef{
			FileID:   photo.FileID,
			FileName: fmt.Sprintf("%d.jpg", msg.MessageID),
			MimeType: "image/jpeg",
			Type:     models.MediaPhoto,
		})
	}
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = fmt.Sprintf("%d.bin", msg.MessageID)
		}
		attachments = append(attachments, AttachmentRef{
			FileID:   msg.Document.FileID,
			FileName: fmt.Sprintf("%d_%s", msg.MessageID, name),
			MimeType: msg.Document.MimeType,
			Type:     detectDocumentType(msg.Document.MimeType),
		})
	}

	unit.HasMedia = len(attachments) > 0
	return Fetched{Unit: unit, Attachments: attachments}
}

func (c *TelegramClient) DownloadMedia(ctx context.Context, src models.Source, ref AttachmentRef) (*Download, error) {
	url, err := c.api.GetFileDirectURL(ref.FileID)
	if err != nil {
		if isFileGone(err) {
			return nil, fmt.Errorf("file %s: %w", ref.FileID, ErrUnitGone)
		}
		return nil, fmt.Errorf("failed to resolve file URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("file %s: %w", ref.FileID, ErrUnitGone)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read media body: %w", err)
	}

	return &Download{
		Data:     data,
		FileName: ref.FileName,
		MimeType: ref.MimeType,
		Size:     int64(len(data)),
	}, nil
}

func (c *TelegramClient) ResolveSourceMetadata(_ context.Context, sourceID int64) (*Metadata, error) {
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: sourceID},
	})
	if err != nil {
		if isChatGone(err) {
			return nil, fmt.Errorf("source %d: %w", sourceID, ErrSourceGone)
		}
		return nil, fmt.Errorf("failed to resolve source %d: %w", sourceID, err)
	}

	kind := models.SourceChat
	switch chat.Type {
	case "channel":
		kind = models.SourceChannel
	case "group", "supergroup":
		kind = models.SourceGroup
	}

	name := chat.Title
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}

	return &Metadata{Kind: kind, DisplayName: name}, nil
}

func detectDocumentType(mime string) models.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MediaPhoto
	case strings.HasPrefix(mime, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return models.MediaVoice
	default:
		return models.MediaDocument
	}
}

func isChatGone(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 403 || strings.Contains(apiErr.Message, "chat not found")
	}
	return false
}

func isFileGone(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 400 && strings.Contains(apiErr.Message, "file")
	}
	return false
}
