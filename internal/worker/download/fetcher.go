package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/photoarchive/internal/metrics"
	"github.com/hitoshi/photoarchive/internal/model"
	"github.com/hitoshi/photoarchive/internal/photos"
	"github.com/hitoshi/photoarchive/internal/repository"
	"github.com/hitoshi/photoarchive/internal/security"
)

// ErrTooLarge はメディアがサイズ上限を超えたことを示す。
var ErrTooLarge = errors.New("media exceeds size limit")

// Fetcher は1件のメディアをダウンロードしてローカルに保存し、media_itemsに記録する。
// ダウンロードはSSRF防止付きクライアント経由で行い、サイズ上限を超えたものは保存しない。
type Fetcher struct {
	client     *http.Client
	guard      security.DownloadGuard
	sanitizer  security.TextSanitizer
	mediaRepo  repository.MediaItemRepository
	metrics    metrics.ArchiveRecorder
	logger     *slog.Logger
	contentDir string
	maxBytes   int64
}

// FetcherConfig はFetcherの設定。
type FetcherConfig struct {
	ContentDir string        // 保存先ルート。ユーザーごとに<ContentDir>/<user_id>/を作る
	Timeout    time.Duration // 1件あたりのダウンロードタイムアウト
	MaxBytes   int64         // 1件あたりの最大バイト数
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	guard security.DownloadGuard,
	sanitizer security.TextSanitizer,
	mediaRepo repository.MediaItemRepository,
	recorder metrics.ArchiveRecorder,
	logger *slog.Logger,
	config FetcherConfig,
) *Fetcher {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:     guard.NewSafeClient(config.Timeout),
		guard:      guard,
		sanitizer:  sanitizer,
		mediaRepo:  mediaRepo,
		metrics:    recorder,
		logger:     logger,
		contentDir: config.ContentDir,
		maxBytes:   config.MaxBytes,
	}
}

// Fetch はitemをダウンロードし、保存したメディアのレコードを返す。
func (f *Fetcher) Fetch(ctx context.Context, userID int64, item photos.MediaItem) (*model.MediaItem, error) {
	start := time.Now()
	downloadURL := item.DownloadURL()

	if err := f.guard.ValidateURL(downloadURL); err != nil {
		f.logger.Error("ダウンロードURLの検証に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		f.metrics.RecordDownload("blocked", 0)
		return nil, fmt.Errorf("ダウンロードURLの検証に失敗: %w", err)
	}

	dir := filepath.Join(f.contentDir, strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		f.metrics.RecordDownload("error", 0)
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	tmpPath, size, contentType, err := f.download(ctx, downloadURL, dir)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrTooLarge) {
			result = "too_large"
		}
		f.metrics.RecordDownload(result, 0)
		f.logger.Warn("メディアのダウンロードに失敗しました",
			slog.Int64("user_id", userID),
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	filename := f.sanitizer.Filename(item.Filename, item.ID)
	finalPath, err := reservePath(dir, filename, item.ID)
	if err == nil {
		err = os.Rename(tmpPath, finalPath)
	}
	if err != nil {
		os.Remove(tmpPath)
		f.metrics.RecordDownload("error", 0)
		return nil, fmt.Errorf("メディアファイルの保存に失敗: %w", err)
	}

	mimeType := item.MimeType
	if mimeType == "" {
		mimeType = contentType
	}
	record := &model.MediaItem{
		UserID:         userID,
		ProviderItemID: item.ID,
		Filename:       filepath.Base(finalPath),
		MimeType:       mimeType,
		Description:    f.sanitizer.Description(item.Description),
		LocalPath:      finalPath,
		SizeBytes:      size,
	}
	if err := f.mediaRepo.Upsert(ctx, record); err != nil {
		// レコードのないファイルは次回の同期で取り直す
		os.Remove(finalPath)
		f.metrics.RecordDownload("error", 0)
		return nil, fmt.Errorf("メディアレコードの保存に失敗: %w", err)
	}

	f.metrics.RecordDownload("success", size)
	f.logger.Info("メディアをアーカイブしました",
		slog.Int64("user_id", userID),
		slog.String("item_id", item.ID),
		slog.String("filename", record.Filename),
		slog.Int64("size_bytes", size),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return record, nil
}

// download はurlの内容をdir内の一時ファイルに書き出し、そのパスとサイズを返す。
func (f *Fetcher) download(ctx context.Context, url, dir string) (string, int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, "", fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "PhotoArchive/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, "", fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, "", fmt.Errorf("ダウンロードがステータス %d を返しました", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return "", 0, "", fmt.Errorf("%w: Content-Length %d > %d", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > f.maxBytes {
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	if err != nil {
		os.Remove(tmp.Name())
		if errors.Is(err, ErrTooLarge) {
			return "", 0, "", err
		}
		return "", 0, "", fmt.Errorf("レスポンスボディの書き込みに失敗: %w", err)
	}
	return tmp.Name(), n, resp.Header.Get("Content-Type"), nil
}

// reservePath はdir内にfilenameの保存先を確保する。
// 別のメディアが同名で保存済みの場合は、アイテムIDから導いた接尾辞を付けた名前を返す。
func reservePath(dir, filename, itemID string) (string, error) {
	p := filepath.Join(dir, filename)
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err == nil {
		return p, file.Close()
	}
	if !errors.Is(err, fs.ErrExist) {
		return "", err
	}
	ext := filepath.Ext(filename)
	suffix := uuid.NewSHA1(uuid.NameSpaceURL, []byte(itemID)).String()[:8]
	return filepath.Join(dir, strings.TrimSuffix(filename, ext)+"-"+suffix+ext), nil
}
