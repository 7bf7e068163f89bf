package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/photoarchive/internal/model"
)

// PostgresMediaItemRepo はPostgreSQLを使用したメディアリポジトリ。
type PostgresMediaItemRepo struct {
	db *sql.DB
}

// NewPostgresMediaItemRepo はPostgresMediaItemRepoを生成する。
func NewPostgresMediaItemRepo(db *sql.DB) *PostgresMediaItemRepo {
	return &PostgresMediaItemRepo{db: db}
}

// FindByProviderItemID はユーザーIDとプロバイダ側のIDでメディアを検索する。
func (r *PostgresMediaItemRepo) FindByProviderItemID(ctx context.Context, userID int64, providerItemID string) (*model.MediaItem, error) {
	item := &model.MediaItem{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider_item_id, filename, mime_type, description, local_path, size_bytes, created_at
		 FROM media_items WHERE user_id = $1 AND provider_item_id = $2`,
		userID, providerItemID,
	).Scan(&item.ID, &item.UserID, &item.ProviderItemID, &item.Filename, &item.MimeType,
		&item.Description, &item.LocalPath, &item.SizeBytes, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find media item: %w", err)
	}
	return item, nil
}

// Upsert はメディアを冪等に登録する。IDが空の場合は新規UUIDを採番する。
func (r *PostgresMediaItemRepo) Upsert(ctx context.Context, item *model.MediaItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO media_items (id, user_id, provider_item_id, filename, mime_type, description, local_path, size_bytes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, provider_item_id) DO UPDATE SET
		     filename = EXCLUDED.filename,
		     mime_type = EXCLUDED.mime_type,
		     description = EXCLUDED.description,
		     local_path = EXCLUDED.local_path,
		     size_bytes = EXCLUDED.size_bytes
		 RETURNING id, created_at`,
		item.ID, item.UserID, item.ProviderItemID, item.Filename, item.MimeType,
		item.Description, item.LocalPath, item.SizeBytes,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert media item: %w", err)
	}
	return nil
}

// ListByUserID はユーザーのアーカイブ済みメディアを新しい順に返す。
func (r *PostgresMediaItemRepo) ListByUserID(ctx context.Context, userID int64) ([]*model.MediaItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, provider_item_id, filename, mime_type, description, local_path, size_bytes, created_at
		 FROM media_items WHERE user_id = $1
		 ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list media items: %w", err)
	}
	defer rows.Close()

	var items []*model.MediaItem
	for rows.Next() {
		item := &model.MediaItem{}
		if err := rows.Scan(&item.ID, &item.UserID, &item.ProviderItemID, &item.Filename, &item.MimeType,
			&item.Description, &item.LocalPath, &item.SizeBytes, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan media item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate media items: %w", err)
	}
	return items, nil
}

// compile-time interface check
var _ MediaItemRepository = (*PostgresMediaItemRepo)(nil)
