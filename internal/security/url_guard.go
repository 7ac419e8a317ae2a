// Package security は外部から与えられたURLの検証機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLGuardService はフィード・ハブURLの検証機能のインターフェースを定義する。
// 設定ファイルの読み込み、OPMLインポート、オートディスカバリ、WebSub購読の
// 各入口で、URLがストアやフェッチャーに到達する前に使用される。
type URLGuardService interface {
	// ValidateURL はURLの安全性を事前に検証する。
	// スキーム、ホスト、IPアドレスの検証を行い、
	// 危険なURLの場合はエラーを返す。
	ValidateURL(rawURL string) error

	// NewSafeClient はプライベートアドレスへの接続を拒否するHTTPクライアントを
	// 生成する。safeurlライブラリがnet.DialerレベルでDNS解決後のIPアドレスを
	// 検証するため、DNS再バインディング攻撃にも対応している。
	NewSafeClient(timeout time.Duration) *http.Client
}

// allowedSchemes はフィードURLで許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// allowedPorts はフィードURLで許可されるポート。空文字はスキーム既定のポートを表す。
var allowedPorts = []string{"", "80", "443"}

// blockedNetworks はプライベート運用でない限りブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateURLでの検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// urlGuard はURLGuardServiceの実装。
// allowPrivateはイントラネット配備やテスト向けの逃し弁で、
// プライベートIP・localhostの拒否だけを無効化する。スキーム検証は常に行う。
type urlGuard struct {
	allowPrivate bool
}

// NewURLGuard はURLGuardServiceの新しいインスタンスを生成する。
// allowPrivateがtrueの場合、プライベートアドレスのフィードを許可する。
func NewURLGuard(allowPrivate bool) *urlGuard {
	return &urlGuard{allowPrivate: allowPrivate}
}

// ValidateURL はURLの安全性を事前に検証する。DNS解決を伴わない静的な検証のため、
// DNS再バインディング攻撃はNewSafeClientのDialer検証側で防止される。
func (g *urlGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	// allowPrivateはイントラネット配備向けのため、ポート制限も適用しない。
	if g.allowPrivate {
		return nil
	}

	if !isAllowedPort(parsed.Port()) {
		return fmt.Errorf("disallowed port: %s (allowed: 80, 443)", parsed.Port())
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	// ホスト名の場合: localhost等の危険なホスト名を拒否
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// NewSafeClient はプライベートアドレスへの接続を拒否するHTTPクライアントを生成する。
// allowPrivateの場合はDialer検証なしの素のクライアントを返す。
func (g *urlGuard) NewSafeClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isAllowedPort はURLのポートが許可リストに含まれるかを検証する。
func isAllowedPort(port string) bool {
	for _, allowed := range allowedPorts {
		if port == allowed {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}

var _ URLGuardService = (*urlGuard)(nil)
