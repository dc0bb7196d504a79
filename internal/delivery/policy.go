package delivery

import (
	"strings"

	"github.com/xaenox/tg-digest/internal/models"
)

const (
	// InformationalTextCap is the default truncation limit for sources that
	// carry background noise rather than decisions.
	InformationalTextCap = 500

	// HardBodyCap bounds any digest body regardless of policy.
	HardBodyCap = 3500

	// PlatformCap is Telegram's message size limit, applied last after all
	// decorations.
	PlatformCap = 4096

	truncationMarker = "…"
)

// Policy is the fully resolved delivery shape for one source's digests.
type Policy struct {
	SendText     bool
	SendFile     bool
	TextMaxChars int // 0 means no policy cap, only the hard caps apply
	SummaryOnly  bool
}

// ResolvePolicy merges a source's delivery settings over the defaults of its
// importance class. Important sources get full text plus the file;
// informational sources default to a truncated, text-only summary. Nil
// fields inherit the class default.
func ResolvePolicy(src models.Source) Policy {
	settings := src.Delivery

	importance := models.Important
	if settings != nil && settings.Importance != "" {
		importance = settings.Importance
	}

	p := Policy{SendText: true, SendFile: true}
	if importance == models.Informational {
		p = Policy{
			SendText:     true,
			SendFile:     false,
			TextMaxChars: InformationalTextCap,
			SummaryOnly:  true,
		}
	}

	if settings == nil {
		return p
	}
	if settings.SendText != nil {
		p.SendText = *settings.SendText
	}
	if settings.SendFile != nil {
		p.SendFile = *settings.SendFile
	}
	if settings.TextMaxChars != nil {
		p.TextMaxChars = *settings.TextMaxChars
	}
	if settings.SummaryOnly != nil {
		p.SummaryOnly = *settings.SummaryOnly
	}
	return p
}

// Truncate cuts text to at most max runes plus a one-rune marker. Text at or
// under the limit passes through untouched.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max])) + truncationMarker
}

// shapeBody applies the policy cap and the hard body cap to a digest body.
func shapeBody(body string, p Policy) string {
	body = Truncate(body, p.TextMaxChars)
	return Truncate(body, HardBodyCap)
}
