// Package handler はHTTP APIのルーティングとハンドラーを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/feeder/internal/middleware"
)

// SchedulerService はスケジューラーの即時フェッチ依頼と状態参照をまとめたインターフェース。
type SchedulerService interface {
	Refresher
	SchedulerReporter
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	AdminToken        string
	GeneralLimiter    *middleware.RateLimiter
	MutatingLimiter   *middleware.RateLimiter

	// アプリケーション情報
	AppInfo AppInfo

	// データアクセス
	DB      Pinger
	Feeds   FeedReader
	Items   ItemReader
	Logs    FetchLogReader
	Stats   StatsReader
	DBStats DBStatsReader

	// ワーカー
	Scheduler   SchedulerService
	Maintenance MaintenanceRunner

	// フィード登録
	Registrar FeedRegistrar

	// WebSub購読（nilの場合はコールバックルートを公開しない）
	WebSub SubscriptionConfirmer

	// Prometheusメトリクス（nilの場合は/metricsを公開しない）
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → CORS
//
// その内側でルート群ごとにレート制限と管理者認証を重ねる。
// /healthz、/metrics、WebSubコールバックはレート制限の外に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	systemHandler := NewSystemHandler(deps.DB, deps.AppInfo, deps.Scheduler, deps.Stats)
	itemHandler := NewItemHandler(deps.Items)
	feedHandler := NewFeedHandler(deps.Feeds, deps.Items, deps.Scheduler)
	adminHandler := NewAdminHandler(deps.Feeds, deps.Items, deps.Stats, deps.Logs, deps.Maintenance, deps.DBStats)
	opmlHandler := NewOPMLHandler(deps.Feeds, deps.Registrar)

	// --- レート制限の外のルート ---

	r.Get("/healthz", systemHandler.Healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- 一般公開ルート ---
	// ミドルウェアスタック: RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(deps.GeneralLimiter.Middleware())

		r.Get("/api/config", systemHandler.Config)
		r.Get("/api/scheduler/status", systemHandler.SchedulerStatus)
		r.Get("/api/stats", systemHandler.Stats)

		// 記事
		r.Route("/api/items", func(r chi.Router) {
			r.Get("/", itemHandler.ListItems)
			r.Get("/count", itemHandler.CountItems)
		})

		// フィード
		r.Route("/api/feeds", func(r chi.Router) {
			r.Get("/", feedHandler.ListFeeds)

			r.Route("/{feedID}", func(r chi.Router) {
				r.Get("/", feedHandler.GetFeed)
				r.Get("/items", itemHandler.ListFeedItems)

				// POST /api/feeds/{feedID}/refresh - 即時フェッチ（変更系レート制限を追加）
				r.With(deps.MutatingLimiter.Middleware()).Post("/refresh", feedHandler.RefreshFeed)
			})
		})

		r.Get("/api/opml/export", opmlHandler.Export)
	})

	// --- 管理者ルート ---
	// ミドルウェアスタック: RateLimit(General) → AdminAuth
	r.Group(func(r chi.Router) {
		r.Use(deps.GeneralLimiter.Middleware())
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken, deps.Logger))

		r.Get("/admin/feeds-status", adminHandler.FeedsStatus)
		r.Get("/admin/feeds/{feedID}/diagnostics", adminHandler.FeedDiagnostics)
		r.Get("/admin/db-stats", adminHandler.DBStats)
		r.With(deps.MutatingLimiter.Middleware()).Post("/admin/maintenance/run", adminHandler.RunMaintenance)
		r.With(deps.MutatingLimiter.Middleware()).Post("/api/opml/import", opmlHandler.Import)
	})

	// --- WebSubコールバック ---
	// ハブからの検証と通知を受けるため、レート制限の外に置く。
	if deps.WebSub != nil {
		websubHandler := NewWebSubHandler(deps.WebSub, deps.Scheduler)
		r.Route("/websub/callback/{token}", func(r chi.Router) {
			r.Get("/", websubHandler.VerifyCallback)
			r.Post("/", websubHandler.ContentPing)
		})
	}

	return r
}
