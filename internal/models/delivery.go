package models

// Importance drives the default delivery shape of a source's digests.
type Importance string

const (
	// Important sources get the full digest text plus the markdown file.
	Important Importance = "important"
	// Informational sources default to a truncated, text-only summary.
	Informational Importance = "informational"
)

// Recipient is one delivery target of a source's digests.
type Recipient struct {
	ID         int64  `json:"id"`
	TelegramID int64  `json:"telegram_id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	SendFile   bool   `json:"send_file"`
	SendText   bool   `json:"send_text"`
}

// DeliverySettings is the resolved delivery policy for one source.
// Source-specific settings override global defaults; nil fields mean
// "inherit".
type DeliverySettings struct {
	Importance   Importance `json:"importance"`
	SendFile     *bool      `json:"send_file,omitempty"`
	SendText     *bool      `json:"send_text,omitempty"`
	TextMaxChars *int       `json:"text_max_chars,omitempty"`
	SummaryOnly  *bool      `json:"summary_only,omitempty"`
}
