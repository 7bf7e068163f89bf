package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/photoarchive/internal/model"
)

// MediaSyncer はバックグラウンド同期を操作するインターフェース。
type MediaSyncer interface {
	Start(userID int64) error
	Running(userID int64) bool
}

// MediaListService はアーカイブ済みメディアを一覧するインターフェース。
type MediaListService interface {
	ListByUserID(ctx context.Context, userID int64) ([]*model.MediaItem, error)
}

// MediaHandler はメディアアーカイブのHTTPハンドラー。
type MediaHandler struct {
	syncer MediaSyncer
	media  MediaListService
}

// NewMediaHandler はMediaHandlerを生成する。
func NewMediaHandler(syncer MediaSyncer, media MediaListService) *MediaHandler {
	return &MediaHandler{
		syncer: syncer,
		media:  media,
	}
}

type syncResponse struct {
	Status string `json:"status"`
}

type mediaListResponse struct {
	Items   []*model.MediaItem `json:"items"`
	Syncing bool               `json:"syncing"`
}

// Sync はGoogle Photosライブラリの同期をバックグラウンドで開始する。
// POST /media/sync
func (h *MediaHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.syncer.Start(userID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, syncResponse{Status: "started"})
}

// List はアーカイブ済みメディアの一覧と同期中かどうかを返す。
// GET /media
func (h *MediaHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	items, err := h.media.ListByUserID(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if items == nil {
		items = []*model.MediaItem{}
	}

	writeJSON(w, http.StatusOK, mediaListResponse{
		Items:   items,
		Syncing: h.syncer.Running(userID),
	})
}
