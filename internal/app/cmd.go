package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はサーバーモードで起動することを示す。
	// ポーリングスケジューラ、保守ワーカー、HTTP APIを1プロセスで実行する。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandVersion はバージョンを表示して終了することを示す。
	CommandVersion Command = "version"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "version":
		return CommandVersion
	default:
		return CommandServe
	}
}
