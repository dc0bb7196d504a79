package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/tg-digest/internal/models"
	"github.com/xaenox/tg-digest/internal/storage"
)

type fakeSender struct {
	texts     map[int64]string
	files     map[int64]string
	textErrOn int64 // chat id whose text sends fail
	fileErrOn int64
}

func newFakeSender() *fakeSender {
	return &fakeSender{texts: make(map[int64]string), files: make(map[int64]string)}
}

func (f *fakeSender) SendText(_ context.Context, _ models.Tenant, chatID int64, text string) error {
	if chatID == f.textErrOn {
		return errors.New("blocked by user")
	}
	f.texts[chatID] = text
	return nil
}

func (f *fakeSender) SendFile(_ context.Context, _ models.Tenant, chatID int64, fileName string, _ []byte, _ string) error {
	if chatID == f.fileErrOn {
		return errors.New("file too big")
	}
	f.files[chatID] = fileName
	return nil
}

func deliverySource(recipients ...models.Recipient) models.Source {
	return models.Source{
		TenantID:   1,
		Kind:       models.SourceGroup,
		ID:         -100,
		Name:       "eng-chat",
		Recipients: recipients,
	}
}

func TestDeliverBothChannels(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := newFakeSender()
	engine := NewEngine(store, sender, zap.NewNop())

	src := deliverySource(models.Recipient{TelegramID: 500, SendText: true, SendFile: true})
	d := &models.Digest{ID: 1, TenantID: 1, Generated: "the digest"}

	failed, err := engine.Deliver(context.Background(), models.Tenant{ID: 1}, src, Payload{
		Digest:   d,
		FileName: "10_25.md",
		FileData: []byte("file body"),
	})
	require.NoError(t, err)
	assert.Zero(t, failed)

	assert.Contains(t, sender.texts[500], "the digest")
	assert.Equal(t, "10_25.md", sender.files[500])

	recs := store.Deliveries()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, models.DeliverySent, r.Status)
		assert.Equal(t, int64(1), r.DigestID)
	}
}

func TestDeliverTextFailureDoesNotBlockFile(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := newFakeSender()
	sender.textErrOn = 500
	engine := NewEngine(store, sender, zap.NewNop())

	src := deliverySource(models.Recipient{TelegramID: 500, SendText: true, SendFile: true})
	d := &models.Digest{ID: 2, TenantID: 1, Generated: "digest"}

	failed, err := engine.Deliver(context.Background(), models.Tenant{ID: 1}, src, Payload{
		Digest:   d,
		FileName: "a.md",
		FileData: []byte("body"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	// The file still went out, and both attempts left a record.
	assert.Equal(t, "a.md", sender.files[500])

	recs := store.Deliveries()
	require.Len(t, recs, 2)

	byChannel := map[models.DeliveryChannel]*models.DeliveryRecord{}
	for _, r := range recs {
		byChannel[r.Channel] = r
	}
	assert.Equal(t, models.DeliveryFailed, byChannel[models.DeliveryText].Status)
	assert.Contains(t, byChannel[models.DeliveryText].Error, "blocked")
	assert.Equal(t, models.DeliverySent, byChannel[models.DeliveryFile].Status)
}

func TestDeliverInformationalTruncates(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := newFakeSender()
	engine := NewEngine(store, sender, zap.NewNop())

	src := deliverySource(models.Recipient{TelegramID: 500, SendText: true, SendFile: true})
	src.Delivery = &models.DeliverySettings{Importance: models.Informational}
	d := &models.Digest{ID: 3, TenantID: 1, Generated: strings.Repeat("a", 800)}

	failed, err := engine.Deliver(context.Background(), models.Tenant{ID: 1}, src, Payload{
		Digest:   d,
		FileName: "a.md",
		FileData: []byte("body"),
	})
	require.NoError(t, err)
	assert.Zero(t, failed)

	got := sender.texts[500]
	assert.Len(t, []rune(got), InformationalTextCap+1)
	assert.True(t, strings.HasSuffix(got, "…"))

	// Informational sources never get the file.
	assert.Empty(t, sender.files)
	require.Len(t, store.Deliveries(), 1)
}

func TestDeliverRespectsRecipientOptOut(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := newFakeSender()
	engine := NewEngine(store, sender, zap.NewNop())

	src := deliverySource(
		models.Recipient{TelegramID: 500, SendText: true, SendFile: false},
		models.Recipient{TelegramID: 600, SendText: false, SendFile: true},
	)
	d := &models.Digest{ID: 4, TenantID: 1, Generated: "digest"}

	_, err := engine.Deliver(context.Background(), models.Tenant{ID: 1}, src, Payload{
		Digest:   d,
		FileName: "a.md",
		FileData: []byte("body"),
	})
	require.NoError(t, err)

	assert.Contains(t, sender.texts, int64(500))
	assert.NotContains(t, sender.files, int64(500))
	assert.NotContains(t, sender.texts, int64(600))
	assert.Contains(t, sender.files, int64(600))
}

func TestDeliverAppendsChangeNote(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := newFakeSender()
	engine := NewEngine(store, sender, zap.NewNop())

	src := deliverySource(models.Recipient{TelegramID: 500, SendText: true})
	d := &models.Digest{ID: 5, TenantID: 1, Generated: "digest"}

	_, err := engine.Deliver(context.Background(), models.Tenant{ID: 1}, src, Payload{
		Digest:     d,
		ChangeNote: "added two tasks",
	})
	require.NoError(t, err)
	assert.Contains(t, sender.texts[500], "Document updated: added two tasks")
}

func TestDeliverHardCap(t *testing.T) {
	store := storage.NewMemoryStorage()
	sender := newFakeSender()
	engine := NewEngine(store, sender, zap.NewNop())

	src := deliverySource(models.Recipient{TelegramID: 500, SendText: true})
	d := &models.Digest{ID: 6, TenantID: 1, Generated: strings.Repeat("x", 10000)}

	_, err := engine.Deliver(context.Background(), models.Tenant{ID: 1}, src, Payload{Digest: d})
	require.NoError(t, err)

	got := sender.texts[500]
	assert.LessOrEqual(t, len([]rune(got)), PlatformCap)
	assert.LessOrEqual(t, len([]rune(got)), HardBodyCap+len([]rune(fmt.Sprintf("*%s*\n\n", src.Name)))+1)
}
