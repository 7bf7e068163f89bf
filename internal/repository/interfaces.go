// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/photoarchive/internal/model"
)

// ErrDuplicateKey は一意制約違反（PostgreSQLのSQLSTATE 23505）を表す。
var ErrDuplicateKey = errors.New("duplicate key")

// ErrNotFound は更新・削除対象の行が存在しない場合に返す。
var ErrNotFound = errors.New("not found")

// UserRepository はユーザーの認証情報ストア。
type UserRepository interface {
	// FindByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDとタイムスタンプをuserに設定する。
	// ユーザー名が重複する場合はErrDuplicateKeyを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id int64, passwordHash string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するmedia_itemsはCASCADE削除される。
	DeleteByID(ctx context.Context, id int64) error
}

// MediaItemRepository はアーカイブ済みメディアの永続化インターフェース。
type MediaItemRepository interface {
	// FindByProviderItemID はユーザーIDとプロバイダ側のIDでメディアを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderItemID(ctx context.Context, userID int64, providerItemID string) (*model.MediaItem, error)

	// Upsert はメディアを冪等に登録する。(user_id, provider_item_id)が既存なら上書きする。
	Upsert(ctx context.Context, item *model.MediaItem) error

	// ListByUserID はユーザーのアーカイブ済みメディアを新しい順に返す。
	ListByUserID(ctx context.Context, userID int64) ([]*model.MediaItem, error)
}
