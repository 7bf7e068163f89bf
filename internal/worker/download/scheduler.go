// Package download はGoogle Photosライブラリのバックグラウンドアーカイブ処理を提供する。
// ユーザー単位の同期スケジューラと、1件ごとのダウンロードを行うフェッチャーを含む。
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/photoarchive/internal/model"
	"github.com/hitoshi/photoarchive/internal/photos"
	"github.com/hitoshi/photoarchive/internal/repository"
)

var (
	// ErrAlreadyRunning は同じユーザーの同期が実行中であることを示す。
	ErrAlreadyRunning = errors.New("sync already running")
	// ErrNotDelegated はユーザーがGoogle Photosへのアクセスを委任していないことを示す。
	ErrNotDelegated = errors.New("photos access not delegated")
)

// TokenSource はユーザーのプロバイダアクセストークンを取得するインターフェース。
type TokenSource interface {
	ProviderAccessToken(userID int64) (string, bool)
}

// MediaLister はライブラリの全メディアアイテムを列挙するインターフェース。
type MediaLister interface {
	ListAll(ctx context.Context, accessToken string) ([]photos.MediaItem, error)
}

// MediaFetcher は1件のメディアをアーカイブするインターフェース。
type MediaFetcher interface {
	Fetch(ctx context.Context, userID int64, item photos.MediaItem) (*model.MediaItem, error)
}

// SyncResult は1回の同期の集計結果。
type SyncResult struct {
	Listed     int
	Skipped    int
	Downloaded int
	Failed     int
}

// Scheduler はユーザー単位の同期を管理する。
// 同じユーザーの同期は同時に1つだけ実行し、ダウンロードはmaxConcurrencyで並列数を制限する。
type Scheduler struct {
	tokens         TokenSource
	lister         MediaLister
	mediaRepo      repository.MediaItemRepository
	fetcher        MediaFetcher
	logger         *slog.Logger
	maxConcurrency int

	mu      sync.Mutex
	running map[int64]struct{}

	// バックグラウンド同期の寿命。Closeでキャンセルされる
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	tokens TokenSource,
	lister MediaLister,
	mediaRepo repository.MediaItemRepository,
	fetcher MediaFetcher,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tokens:         tokens,
		lister:         lister,
		mediaRepo:      mediaRepo,
		fetcher:        fetcher,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		running:        make(map[int64]struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start はユーザーの同期をバックグラウンドで開始する。
// 委任されていない場合はErrNotDelegated、実行中の場合はErrAlreadyRunningを即座に返す。
func (s *Scheduler) Start(userID int64) error {
	if _, ok := s.tokens.ProviderAccessToken(userID); !ok {
		return ErrNotDelegated
	}
	if !s.acquire(userID) {
		return ErrAlreadyRunning
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(userID)
		if _, err := s.run(s.ctx, userID); err != nil {
			s.logger.Error("同期に失敗しました",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Sync はユーザーの同期を呼び出し元のゴルーチンで実行し、完了まで待つ。
func (s *Scheduler) Sync(ctx context.Context, userID int64) (*SyncResult, error) {
	if !s.acquire(userID) {
		return nil, ErrAlreadyRunning
	}
	defer s.release(userID)
	return s.run(ctx, userID)
}

// Running はユーザーの同期が実行中かどうかを返す。
func (s *Scheduler) Running(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[userID]
	return ok
}

// Close は実行中のバックグラウンド同期をキャンセルし、終了を待つ。
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) acquire(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[userID]; ok {
		return false
	}
	s.running[userID] = struct{}{}
	return true
}

func (s *Scheduler) release(userID int64) {
	s.mu.Lock()
	delete(s.running, userID)
	s.mu.Unlock()
}

// run は一覧取得、既存分のスキップ、並列ダウンロードを行う。
// 個々のダウンロード失敗は集計するだけで同期全体は止めない。
func (s *Scheduler) run(ctx context.Context, userID int64) (*SyncResult, error) {
	start := time.Now()

	accessToken, ok := s.tokens.ProviderAccessToken(userID)
	if !ok {
		return nil, ErrNotDelegated
	}

	items, err := s.lister.ListAll(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("メディア一覧の取得に失敗: %w", err)
	}

	result := &SyncResult{Listed: len(items)}
	s.logger.Info("同期を開始します",
		slog.Int64("user_id", userID),
		slog.Int("item_count", len(items)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	var downloaded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)

	for _, item := range items {
		existing, err := s.mediaRepo.FindByProviderItemID(ctx, userID, item.ID)
		if err != nil {
			// 既存確認ができないアイテムは今回は見送る
			s.logger.Error("アーカイブ済みメディアの確認に失敗しました",
				slog.Int64("user_id", userID),
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			failed.Add(1)
			continue
		}
		if existing != nil {
			result.Skipped++
			continue
		}

		g.Go(func() error {
			if _, err := s.fetcher.Fetch(gctx, userID, item); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				return nil
			}
			downloaded.Add(1)
			return nil
		})
	}

	err = g.Wait()
	result.Downloaded = int(downloaded.Load())
	result.Failed = int(failed.Load())

	s.logger.Info("同期が完了しました",
		slog.Int64("user_id", userID),
		slog.Int("listed", result.Listed),
		slog.Int("skipped", result.Skipped),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	if err != nil {
		return result, fmt.Errorf("同期が中断されました: %w", err)
	}
	return result, nil
}
