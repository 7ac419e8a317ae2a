// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// クライアントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, feed, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeFeedNotFound     = "FEED_NOT_FOUND"
	ErrCodeInvalidURL       = "INVALID_URL"
	ErrCodeSSRFBlocked      = "SSRF_BLOCKED"
	ErrCodeFeedLimitReached = "FEED_LIMIT_REACHED"
	ErrCodeInvalidParameter = "INVALID_PARAMETER"
	ErrCodeImportFailed     = "IMPORT_FAILED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
)

// NewFeedNotFoundError はフィード未検出エラーを生成する。
func NewFeedNotFoundError(feedID int64) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %d", feedID),
		Category: "feed",
		Action:   "フィードIDを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFeedLimitError はフィード登録上限エラーを生成する。
func NewFeedLimitError(max int) *APIError {
	return &APIError{
		Code:     ErrCodeFeedLimitReached,
		Message:  fmt.Sprintf("フィード数が上限（%d件）に達しています。", max),
		Category: "feed",
		Action:   "不要なフィードを無効化してから、新しいフィードを登録してください。",
	}
}

// NewInvalidParameterError は無効なリクエストパラメータエラーを生成する。
func NewInvalidParameterError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("無効なパラメータです: %s", name),
		Category: "validation",
		Action:   "パラメータの形式を確認してください。",
	}
}

// NewImportFailedError はOPMLインポート失敗エラーを生成する。
func NewImportFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeImportFailed,
		Message:  fmt.Sprintf("OPMLのインポートに失敗しました: %s", reason),
		Category: "feed",
		Action:   "OPMLファイルの形式を確認してください。",
	}
}

// NewUnauthorizedError は認可エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "この操作を実行する権限がありません。",
		Category: "auth",
		Action:   "正しい管理トークンを指定してください。",
	}
}
