// Package ratelimit はホスト単位のトークンバケットとプロセス全体の
// 同時実行数制限を組み合わせたレートリミッタを提供する。
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// counterWindow はエラー率計測のウィンドウ幅。経過後はカウントを破棄する。
	counterWindow = 5 * time.Minute
	// backpressureMinSamples はエラー率を判定する最小リクエスト数。
	backpressureMinSamples = 4
)

// hostCounter はホストごとのリクエスト数とエラー数を固定ウィンドウで保持する。
type hostCounter struct {
	mu          sync.Mutex
	requests    int
	errors      int
	windowStart time.Time
}

// HostLimiter は2段階のレート制限を実装する。
// 第1段はプロセス全体の同時実行数（セマフォ）、第2段はホスト単位の
// トークンバケット。さらに429応答由来のクールダウン期限をホスト単位で
// 保持し、期限内のホストへの取得要求は期限まで待機する。
type HostLimiter struct {
	rps       float64
	burst     int
	global    *semaphore.Weighted
	buckets   *xsync.Map[string, *rate.Limiter]
	cooldowns *xsync.Map[string, time.Time]
	counters  *xsync.Map[string, *hostCounter]
}

// NewHostLimiter はHostLimiterを生成する。
// rpsはホストごとの毎秒トークン補充数、burstはバケット容量、
// globalConcurrencyはプロセス全体の同時実行上限。
func NewHostLimiter(rps float64, burst int, globalConcurrency int64) *HostLimiter {
	if rps <= 0 {
		rps = 0.5
	}
	if burst < 1 {
		burst = 1
	}
	if globalConcurrency < 1 {
		globalConcurrency = 1
	}
	return &HostLimiter{
		rps:       rps,
		burst:     burst,
		global:    semaphore.NewWeighted(globalConcurrency),
		buckets:   xsync.NewMap[string, *rate.Limiter](),
		cooldowns: xsync.NewMap[string, time.Time](),
		counters:  xsync.NewMap[string, *hostCounter](),
	}
}

// Acquire はhostへのリクエスト許可を取得する。
// クールダウン期限内であれば期限まで待機し、次にグローバル許可を取得し、
// 最後にホストのトークンバケットを試行する。バケットが空の場合は
// グローバル許可を返却して (false, nil) を返す。呼び出し側は短い遅延の後に
// 再試行すること。trueを返した場合、呼び出し側は必ずReleaseを1回呼ぶ。
func (l *HostLimiter) Acquire(ctx context.Context, host string) (bool, error) {
	if err := l.waitCooldown(ctx, host); err != nil {
		return false, err
	}

	if err := l.global.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("グローバル許可の取得に失敗しました: %w", err)
	}

	if !l.bucketFor(host).Allow() {
		l.global.Release(1)
		return false, nil
	}

	return true, nil
}

// Release はグローバル許可を1つ返却する。
// 成功したAcquireと正確に1対1で呼ぶこと。
func (l *HostLimiter) Release() {
	l.global.Release(1)
}

// SetCooldown はhostのクールダウン期限をnow+delayに設定する。
// すでにより遅い期限が設定されている場合は延長しない。
func (l *HostLimiter) SetCooldown(host string, delay time.Duration) {
	if host == "" || delay <= 0 {
		return
	}
	deadline := time.Now().Add(delay)
	l.cooldowns.Compute(host, func(old time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && old.After(deadline) {
			return old, xsync.CancelOp
		}
		return deadline, xsync.UpdateOp
	})
}

// CooldownUntil はhostのクールダウン期限を返す。未設定の場合はfalse。
func (l *HostLimiter) CooldownUntil(host string) (time.Time, bool) {
	deadline, ok := l.cooldowns.Load(host)
	if !ok || !deadline.After(time.Now()) {
		return time.Time{}, false
	}
	return deadline, true
}

// Record はリクエスト結果をホスト単位のカウンタに記録する。
func (l *HostLimiter) Record(host string, success bool) {
	if host == "" {
		return
	}
	c, _ := l.counters.LoadOrCompute(host, func() (*hostCounter, bool) {
		return &hostCounter{windowStart: time.Now()}, false
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.windowStart) > counterWindow {
		c.requests = 0
		c.errors = 0
		c.windowStart = time.Now()
	}
	c.requests++
	if !success {
		c.errors++
	}
}

// ShouldBackpressure はhostのエラー率が50%を超えているかを返す。
// 助言シグナルでありAcquireの判定には使われない。
// ウィンドウ内のリクエスト数が最小件数に満たない場合はfalse。
func (l *HostLimiter) ShouldBackpressure(host string) bool {
	c, ok := l.counters.Load(host)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.windowStart) > counterWindow {
		return false
	}
	if c.requests < backpressureMinSamples {
		return false
	}
	return float64(c.errors)/float64(c.requests) > 0.5
}

// ErrorRate はウィンドウ内のhostのエラー率を返す。観測がなければ0。
func (l *HostLimiter) ErrorRate(host string) float64 {
	c, ok := l.counters.Load(host)
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.requests == 0 || time.Since(c.windowStart) > counterWindow {
		return 0
	}
	return float64(c.errors) / float64(c.requests)
}

// waitCooldown はhostのクールダウン期限が切れるまで待機し、期限を消去する。
// 待機中に別の呼び出しが期限を延長した場合は延長後の期限まで待ち直す。
func (l *HostLimiter) waitCooldown(ctx context.Context, host string) error {
	for {
		deadline, ok := l.cooldowns.Load(host)
		if !ok {
			return nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			// 待機した期限より新しい期限が入っていれば消さずに待ち直す
			l.cooldowns.Compute(host, func(old time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
				if loaded && !old.After(deadline) {
					return old, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *HostLimiter) bucketFor(host string) *rate.Limiter {
	bucket, _ := l.buckets.LoadOrCompute(host, func() (*rate.Limiter, bool) {
		return rate.NewLimiter(rate.Limit(l.rps), l.burst), false
	})
	return bucket
}
