// Package photos はGoogle Photos Library APIのクライアントを提供する。
// メディアアイテム一覧のページングと、レート制限・リトライ付きの呼び出しを含む。
package photos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint はPhotos Library APIのベースURL。
	DefaultEndpoint = "https://photoslibrary.googleapis.com/v1"
	// pageSize は1ページあたりの取得件数（APIの上限は100）。
	pageSize = 100
	// maxResponseSize は一覧レスポンスの最大サイズ。
	maxResponseSize = 10 << 20
	// defaultMaxRetries はリトライ対象ステータスに対する最大再試行回数。
	defaultMaxRetries = 3
)

var (
	// ErrUnauthorized はアクセストークンが拒否されたことを示す。
	ErrUnauthorized = errors.New("photos: access token rejected")
	// ErrUnavailable はAPIが一時的に利用できないことを示す。
	ErrUnavailable = errors.New("photos: service unavailable")
)

// MediaItem はPhotos Library APIが返すメディアアイテム。
type MediaItem struct {
	ID            string        `json:"id"`
	Description   string        `json:"description,omitempty"`
	ProductURL    string        `json:"productUrl"`
	BaseURL       string        `json:"baseUrl"`
	MimeType      string        `json:"mimeType"`
	Filename      string        `json:"filename"`
	MediaMetadata MediaMetadata `json:"mediaMetadata"`
}

// MediaMetadata はメディアアイテムのメタデータ。
type MediaMetadata struct {
	CreationTime string          `json:"creationTime"`
	Width        string          `json:"width"`
	Height       string          `json:"height"`
	Video        json.RawMessage `json:"video,omitempty"`
}

// IsVideo は動画アイテムかどうかを返す。
func (m MediaItem) IsVideo() bool {
	return len(m.MediaMetadata.Video) > 0 || strings.HasPrefix(m.MimeType, "video/")
}

// DownloadURL は元ファイルを取得するためのURLを返す。
// 画像は"=d"、動画は"=dv"をbaseUrlに付与する。
func (m MediaItem) DownloadURL() string {
	if m.IsVideo() {
		return m.BaseURL + "=dv"
	}
	return m.BaseURL + "=d"
}

// Page はmediaItems.listの1ページ分の結果。
type Page struct {
	MediaItems    []MediaItem `json:"mediaItems"`
	NextPageToken string      `json:"nextPageToken"`
}

// Client はPhotos Library APIのクライアント。
// すべてのリクエストは共有のrate.Limiterで間隔を制御される。
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	endpoint   string
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient はClientを生成する。
// rpsは1秒あたりの最大リクエスト数で、0以下の場合は制限しない。
func NewClient(httpClient *http.Client, endpoint string, rps float64, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		endpoint:   strings.TrimRight(endpoint, "/"),
		maxRetries: defaultMaxRetries,
		sleep:      sleepContext,
	}
}

// ListMediaItems はメディアアイテムを1ページ取得する。
// pageTokenが空の場合は先頭ページを返す。
func (c *Client) ListMediaItems(ctx context.Context, accessToken, pageToken string) (*Page, error) {
	reqURL, err := url.Parse(c.endpoint + "/mediaItems")
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("pageSize", fmt.Sprint(pageSize))
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	reqURL.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(attempt - 1)
			c.logger.Warn("Photos APIの呼び出しを再試行します",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		page, retry, err := c.listOnce(ctx, reqURL.String(), accessToken)
		if err == nil {
			return page, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d回再試行しましたが失敗しました: %w", ErrUnavailable, c.maxRetries, lastErr)
}

// ListAll は全ページをたどってメディアアイテムを取得する。
func (c *Client) ListAll(ctx context.Context, accessToken string) ([]MediaItem, error) {
	var (
		items     []MediaItem
		pageToken string
	)
	for {
		page, err := c.ListMediaItems(ctx, accessToken, pageToken)
		if err != nil {
			return nil, err
		}
		items = append(items, page.MediaItems...)
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
}

// listOnce は1回だけAPIを呼び出す。戻り値のboolは再試行すべきかどうか。
func (c *Client) listOnce(ctx context.Context, reqURL, accessToken string) (*Page, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("レート制限の待機に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch ClassifyStatus(resp.StatusCode) {
	case ResultOK:
	case ResultUnauthorized:
		return nil, false, ErrUnauthorized
	case ResultRetry:
		return nil, true, fmt.Errorf("%w: Photos APIがステータス %d を返しました", ErrUnavailable, resp.StatusCode)
	default:
		c.logger.Error("Photos APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, false, fmt.Errorf("Photos APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, true, fmt.Errorf("%w: レスポンスボディの読み取りに失敗しました: %w", ErrUnavailable, err)
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		c.logger.Error("Photos APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return &page, false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
