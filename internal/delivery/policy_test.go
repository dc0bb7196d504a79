package delivery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xaenox/tg-digest/internal/models"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestResolvePolicyDefaults(t *testing.T) {
	// No settings at all: important shape, full text plus file.
	p := ResolvePolicy(models.Source{})
	assert.True(t, p.SendText)
	assert.True(t, p.SendFile)
	assert.Zero(t, p.TextMaxChars)
	assert.False(t, p.SummaryOnly)
}

func TestResolvePolicyInformationalDefaults(t *testing.T) {
	src := models.Source{Delivery: &models.DeliverySettings{Importance: models.Informational}}
	p := ResolvePolicy(src)

	assert.True(t, p.SendText)
	assert.False(t, p.SendFile)
	assert.Equal(t, InformationalTextCap, p.TextMaxChars)
	assert.True(t, p.SummaryOnly)
}

func TestResolvePolicySourceOverrides(t *testing.T) {
	src := models.Source{Delivery: &models.DeliverySettings{
		Importance:   models.Informational,
		SendFile:     boolPtr(true),
		TextMaxChars: intPtr(1000),
	}}
	p := ResolvePolicy(src)

	// Explicit fields win, unset ones inherit the informational defaults.
	assert.True(t, p.SendFile)
	assert.Equal(t, 1000, p.TextMaxChars)
	assert.True(t, p.SummaryOnly)
	assert.True(t, p.SendText)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 500))
	assert.Equal(t, "no cap", Truncate("no cap", 0))

	long := strings.Repeat("a", 600)
	got := Truncate(long, 500)
	runes := []rune(got)
	// 500 kept runes plus the one-rune marker.
	assert.Len(t, runes, 501)
	assert.Equal(t, '…', runes[500])

	exact := strings.Repeat("b", 500)
	assert.Equal(t, exact, Truncate(exact, 500))
}

func TestTruncateMultibyte(t *testing.T) {
	long := strings.Repeat("ж", 600)
	got := Truncate(long, 500)
	assert.Len(t, []rune(got), 501)
}
