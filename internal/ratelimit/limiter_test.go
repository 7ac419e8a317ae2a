package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquire_GrantsAndReleases(t *testing.T) {
	l := NewHostLimiter(10, 10, 5)

	got, err := l.Acquire(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Acquire がエラーを返した: %v", err)
	}
	if !got {
		t.Fatal("トークンが残っている間は取得できるべき")
	}
	l.Release()
}

// バケットが空のときにfalseを返し、グローバル許可が返却されることを検証
func TestAcquire_EmptyBucketReturnsFalseAndReleasesGlobal(t *testing.T) {
	// burst=2、補充はほぼゼロ、グローバル同時実行は1
	l := NewHostLimiter(0.001, 2, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := l.Acquire(ctx, "a.example.com")
		if err != nil {
			t.Fatalf("Acquire(%d回目) がエラーを返した: %v", i+1, err)
		}
		if !got {
			t.Fatalf("%d回目の取得は成功すべき", i+1)
		}
		l.Release()
	}

	got, err := l.Acquire(ctx, "a.example.com")
	if err != nil {
		t.Fatalf("Acquire(3回目) がエラーを返した: %v", err)
	}
	if got {
		t.Fatal("バケットが空のときは false を返すべき")
	}

	// falseの際にグローバル許可が返却されていなければ、ここでブロックする
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err = l.Acquire(waitCtx, "b.example.com")
	if err != nil {
		t.Fatalf("別ホストのAcquire がエラーを返した: %v", err)
	}
	if !got {
		t.Fatal("別ホストのバケットは独立しているべき")
	}
	l.Release()
}

// グローバル同時実行数が上限で頭打ちになることを検証
func TestAcquire_GlobalConcurrencyCaps(t *testing.T) {
	l := NewHostLimiter(100, 10, 2)
	ctx := context.Background()

	for _, host := range []string{"h1.example.com", "h2.example.com"} {
		got, err := l.Acquire(ctx, host)
		if err != nil {
			t.Fatalf("Acquire(%s) がエラーを返した: %v", host, err)
		}
		if !got {
			t.Fatalf("Acquire(%s) は成功すべき", host)
		}
	}

	// 3番目は上限でブロックし、コンテキスト期限で失敗する
	blockCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(blockCtx, "h3.example.com")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("上限到達時はコンテキスト期限で失敗すべき: %v", err)
	}

	// 1つ返却すれば取得できる
	l.Release()
	got, err := l.Acquire(ctx, "h3.example.com")
	if err != nil {
		t.Fatalf("返却後のAcquire がエラーを返した: %v", err)
	}
	if !got {
		t.Fatal("返却後は取得できるべき")
	}
	l.Release()
	l.Release()
}

// クールダウンが同一ホストのみを遅延させることを検証
func TestSetCooldown_DelaysOnlyTargetHost(t *testing.T) {
	l := NewHostLimiter(100, 10, 5)
	ctx := context.Background()

	l.SetCooldown("slow.example.com", 150*time.Millisecond)

	// 他ホストは遅延しない
	start := time.Now()
	got, err := l.Acquire(ctx, "fast.example.com")
	if err != nil || !got {
		t.Fatalf("他ホストのAcquire が失敗した: got=%v err=%v", got, err)
	}
	l.Release()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("他ホストの取得が遅延した: %v", elapsed)
	}

	// 対象ホストは期限まで待機する
	start = time.Now()
	got, err = l.Acquire(ctx, "slow.example.com")
	if err != nil || !got {
		t.Fatalf("対象ホストのAcquire が失敗した: got=%v err=%v", got, err)
	}
	l.Release()
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Errorf("クールダウン期限前に取得できた: %v", elapsed)
	}

	// 期限消化後は待機しない
	start = time.Now()
	got, err = l.Acquire(ctx, "slow.example.com")
	if err != nil || !got {
		t.Fatalf("期限後のAcquire が失敗した: got=%v err=%v", got, err)
	}
	l.Release()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("期限消化後も待機した: %v", elapsed)
	}
}

func TestSetCooldown_KeepsLaterDeadline(t *testing.T) {
	l := NewHostLimiter(1, 10, 5)

	l.SetCooldown("h.example.com", 200*time.Millisecond)
	l.SetCooldown("h.example.com", 20*time.Millisecond)

	deadline, ok := l.CooldownUntil("h.example.com")
	if !ok {
		t.Fatal("クールダウン期限が設定されているべき")
	}
	if remaining := time.Until(deadline); remaining < 100*time.Millisecond {
		t.Errorf("短い期限で上書きされた: 残り %v", remaining)
	}
}

func TestCooldownUntil_ExpiredReturnsFalse(t *testing.T) {
	l := NewHostLimiter(1, 10, 5)

	l.SetCooldown("h.example.com", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := l.CooldownUntil("h.example.com"); ok {
		t.Error("期限切れのクールダウンは false を返すべき")
	}
}

func TestAcquire_CooldownWaitHonorsContext(t *testing.T) {
	l := NewHostLimiter(1, 10, 5)

	l.SetCooldown("h.example.com", 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got, err := l.Acquire(ctx, "h.example.com")
	if got {
		t.Error("キャンセル時は false を返すべき")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("コンテキスト期限のエラーを返すべき: %v", err)
	}
}

func TestShouldBackpressure_RequiresMinimumSamplesAndMajorityErrors(t *testing.T) {
	l := NewHostLimiter(1, 10, 5)
	host := "errors.example.com"

	// 最小件数未満では判定しない
	l.Record(host, false)
	l.Record(host, false)
	if l.ShouldBackpressure(host) {
		t.Error("最小件数未満では false を返すべき")
	}

	// 5件中3件エラー（60%）で判定される
	l.Record(host, false)
	l.Record(host, true)
	l.Record(host, true)
	if !l.ShouldBackpressure(host) {
		t.Errorf("エラー率 %.2f では true を返すべき", l.ErrorRate(host))
	}

	// 成功を重ねて50%以下に戻れば解除される
	l.Record(host, true)
	l.Record(host, true)
	if l.ShouldBackpressure(host) {
		t.Errorf("エラー率 %.2f では false を返すべき", l.ErrorRate(host))
	}
}

func TestShouldBackpressure_UnknownHostIsFalse(t *testing.T) {
	l := NewHostLimiter(1, 10, 5)

	if l.ShouldBackpressure("nobody.example.com") {
		t.Error("観測のないホストは false を返すべき")
	}
	if rate := l.ErrorRate("nobody.example.com"); rate != 0 {
		t.Errorf("観測のないホストのエラー率 = %v, want 0", rate)
	}
}
