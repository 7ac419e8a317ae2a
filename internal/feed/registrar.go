// Package feed はフィードの検証・登録・スケジューリングのドメインロジックを提供する。
package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feeder/internal/model"
	"github.com/hitoshi/feeder/internal/security"
)

// FeedStore はレジストラが必要とするリポジトリインターフェース。
type FeedStore interface {
	// AddFeed はフィードをUPSERTする。同一URLが存在する場合は取得間隔のみ更新する。
	AddFeed(ctx context.Context, name, url string, intervalSeconds int) (*model.Feed, error)
	// GetFeedByURL はURLでフィードを検索する。見つからない場合はnilを返す。
	GetFeedByURL(ctx context.Context, url string) (*model.Feed, error)
	// CountFeeds は登録済みフィードの総数を返す。
	CountFeeds(ctx context.Context) (int64, error)
}

// Scheduler は登録済みフィードの周期実行を受け付けるインターフェース。
type Scheduler interface {
	Register(feed *model.Feed)
}

// Registrar はフィード登録のフローを統括する。
// 設定ファイルのブートストラップとOPMLインポートの両方の入口になる。
// フロー: URL検証 → 重複チェック → （新規のみ）オートディスカバリ → 上限チェック → 保存 → スケジュール登録
type Registrar struct {
	store           FeedStore
	sched           Scheduler
	guard           security.URLGuardService
	resolver        *Resolver
	logger          *slog.Logger
	maxFeeds        int
	defaultInterval int
}

// NewRegistrar はRegistrarを生成する。
// resolverがnilの場合、オートディスカバリは行わず入力URLをそのまま登録する。
func NewRegistrar(store FeedStore, sched Scheduler, guard security.URLGuardService, resolver *Resolver, logger *slog.Logger, maxFeeds, defaultIntervalSeconds int) *Registrar {
	return &Registrar{
		store:           store,
		sched:           sched,
		guard:           guard,
		resolver:        resolver,
		logger:          logger,
		maxFeeds:        maxFeeds,
		defaultInterval: defaultIntervalSeconds,
	}
}

// Register はフィードを検証して登録し、スケジューラーに載せる。
// intervalSecondsが0以下の場合はデフォルトの取得間隔を使う。
// 既存フィードの再登録は上限チェックとディスカバリを行わずUPSERTのみ行う。
func (r *Registrar) Register(ctx context.Context, name, rawURL string, intervalSeconds int) (*model.Feed, error) {
	if err := r.guard.ValidateURL(rawURL); err != nil {
		r.logger.Warn("フィードURLの検証に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSSRFBlockedError()
	}

	if intervalSeconds <= 0 {
		intervalSeconds = r.defaultInterval
	}

	existing, err := r.store.GetFeedByURL(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}

	feedURL := rawURL
	if existing == nil {
		feedURL, existing, err = r.resolveNewFeedURL(ctx, rawURL)
		if err != nil {
			return nil, err
		}
	}

	if existing == nil {
		count, err := r.store.CountFeeds(ctx)
		if err != nil {
			return nil, fmt.Errorf("フィード数の確認に失敗しました: %w", err)
		}
		if count >= int64(r.maxFeeds) {
			return nil, model.NewFeedLimitError(r.maxFeeds)
		}
	}

	feed, err := r.store.AddFeed(ctx, name, feedURL, intervalSeconds)
	if err != nil {
		return nil, fmt.Errorf("フィードの保存に失敗しました: %w", err)
	}

	r.sched.Register(feed)

	r.logger.Info("フィードを登録しました",
		slog.Int64("feed_id", feed.ID),
		slog.String("name", feed.Name),
		slog.String("url", feed.URL),
	)
	return feed, nil
}

// resolveNewFeedURL は新規URLに対してオートディスカバリを1回だけ試みる。
// 解決後のURLも検証と重複チェックを通し、既存フィードに解決された場合はそれを返す。
func (r *Registrar) resolveNewFeedURL(ctx context.Context, rawURL string) (string, *model.Feed, error) {
	if r.resolver == nil {
		return rawURL, nil, nil
	}

	resolved := r.resolver.Resolve(ctx, rawURL)
	if resolved == rawURL {
		return rawURL, nil, nil
	}

	if err := r.guard.ValidateURL(resolved); err != nil {
		r.logger.Warn("検出されたフィードURLの検証に失敗しました",
			slog.String("url", resolved),
			slog.String("error", err.Error()),
		)
		return "", nil, model.NewSSRFBlockedError()
	}

	existing, err := r.store.GetFeedByURL(ctx, resolved)
	if err != nil {
		return "", nil, fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}

	r.logger.Info("フィードURLを自動検出しました",
		slog.String("input_url", rawURL),
		slog.String("feed_url", resolved),
	)
	return resolved, existing, nil
}
