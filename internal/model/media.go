package model

import "time"

// MediaItem はローカルにアーカイブしたGoogle Photosのメディアを表す。
type MediaItem struct {
	ID             string    `json:"id"`
	UserID         int64     `json:"-"`
	ProviderItemID string    `json:"provider_item_id"`
	Filename       string    `json:"filename"`
	MimeType       string    `json:"mime_type"`
	Description    string    `json:"description,omitempty"`
	LocalPath      string    `json:"-"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsVideo は動画メディアかどうかを返す。
func (m *MediaItem) IsVideo() bool {
	return len(m.MimeType) >= 6 && m.MimeType[:6] == "video/"
}
