// Package poll はフィードごとの周期フェッチのスケジューリングと実行を提供する。
//
// フィードごとに1本のタイマーgoroutineが基本間隔×バックオフ係数×ジッタで
// tickを発行し、固定数のワーカーが共有キューからジョブを取り出して実行する。
// 同一フィードのジョブは同時に1つまでで、前回が未完了の間のtickは破棄する。
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/hitoshi/feeder/internal/model"
)

// フェッチ実行の契機。
const (
	// ReasonInitial は登録直後の初回フェッチ。
	ReasonInitial = "initial"
	// ReasonInterval は周期タイマーによるフェッチ。
	ReasonInterval = "interval"
	// ReasonManual はAPIからの手動リフレッシュ。
	ReasonManual = "manual"
)

const (
	// initialJitterFrac は初回フェッチの遅延上限（基本間隔に対する比率）。
	// 起動直後に全フィードのフェッチが同時刻へ集中するのを避ける。
	initialJitterFrac = 0.1
	// rateRetryDelay はレート制限トークンが得られなかったジョブの再投入遅延。
	rateRetryDelay = time.Second

	defaultWorkers       = 8
	defaultQueueCapacity = 64
)

// Outcome はジョブ実行1回の結果のうちスケジューラが扱う部分。
type Outcome struct {
	// Deferred はレート制限トークンが得られず実行を見送ったことを示す。
	// スケジューラは短い遅延の後に同じジョブを再投入する。
	Deferred bool
	// Multiplier は更新後のバックオフ係数。0は変更なしを意味する。
	Multiplier float64
}

// FeedRunner はフィード1件のフェッチジョブを実行する。
type FeedRunner interface {
	Run(ctx context.Context, feedID int64, reason string) Outcome
}

// job はワーカーへ渡すフェッチ要求。
type job struct {
	feedID int64
	reason string
}

// feedTicker は1フィード分の周期タイマー状態。
type feedTicker struct {
	feedID   int64
	name     string
	interval time.Duration
	mult     atomic.Uint64 // バックオフ係数のFloat64bits
	nextRun  atomic.Int64  // 次回周期実行のUnixNano。0は未定。
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *feedTicker) multiplier() float64 {
	return math.Float64frombits(t.mult.Load())
}

func (t *feedTicker) setMultiplier(m float64) {
	t.mult.Store(math.Float64bits(m))
}

// nextDelay は次回tickまでの遅延を返す。
// 基本間隔×バックオフ係数に±10%のジッタを掛け、同期化を防ぐ。
func (t *feedTicker) nextDelay() time.Duration {
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(t.interval) * t.multiplier() * jitter)
}

func (t *feedTicker) close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Options はSchedulerの動作パラメータ。
type Options struct {
	// Workers はジョブを実行するワーカー数。
	Workers int
	// QueueCapacity はジョブキューの容量。満杯の場合tickは破棄される。
	QueueCapacity int
}

// Scheduler はフィードごとの周期tickを発行し、ワーカープールで実行する。
// Startがブロックしている間だけジョブが実行される。
type Scheduler struct {
	runner  FeedRunner
	logger  *slog.Logger
	workers int
	jobs    chan job
	pending *xsync.Map[int64, struct{}]

	mu        sync.Mutex
	tickers   map[int64]*feedTicker
	startedAt time.Time
	stopped   bool

	stopCh chan struct{}
	tickWG sync.WaitGroup
	jobWG  sync.WaitGroup
}

// New はSchedulerを生成する。runnerとloggerは必須。
func New(runner FeedRunner, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}

	return &Scheduler{
		runner:  runner,
		logger:  logger,
		workers: opts.Workers,
		jobs:    make(chan job, opts.QueueCapacity),
		pending: xsync.NewMap[int64, struct{}](),
		tickers: make(map[int64]*feedTicker),
		stopCh:  make(chan struct{}),
	}
}

// Start はワーカーを起動し、ctxが取り消されるまでブロックする。
// 取り消し後は新規tickの発行を止め、実行中のジョブの完了を待ってから返る。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.jobWG.Add(1)
		go s.worker(ctx)
	}
	s.logger.Info("スケジューラを開始しました",
		slog.Int("workers", s.workers),
		slog.Int("queue_capacity", cap(s.jobs)),
	)

	<-ctx.Done()
	s.shutdown()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	for _, t := range s.tickers {
		t.close()
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.tickWG.Wait()
	s.jobWG.Wait()
	s.logger.Info("スケジューラを停止しました")
}

// Register はフィードの周期実行を登録し、初回フェッチを予約する。
// 登録済みのフィードは新しい間隔と係数で登録し直す。
// バックオフ係数は保存済みの値を初期値として引き継ぐ。
func (s *Scheduler) Register(feed *model.Feed) {
	interval := time.Duration(feed.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	m := feed.BackoffMultiplier
	if m < 1 {
		m = 1
	}
	s.register(feed.ID, feed.Name, interval, m)
}

func (s *Scheduler) register(feedID int64, name string, interval time.Duration, mult float64) {
	t := &feedTicker{
		feedID:   feedID,
		name:     name,
		interval: interval,
		stop:     make(chan struct{}),
	}
	t.setMultiplier(mult)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if old, ok := s.tickers[feedID]; ok {
		old.close()
	}
	s.tickers[feedID] = t
	s.tickWG.Add(1)
	s.mu.Unlock()

	go s.runTicker(t)

	s.logger.Info("フィードをスケジュールに登録しました",
		slog.Int64("feed_id", feedID),
		slog.String("name", name),
		slog.Duration("interval", interval),
	)
}

// Deregister はフィードの周期実行を解除する。未登録の場合は何もしない。
func (s *Scheduler) Deregister(feedID int64) {
	s.mu.Lock()
	t, ok := s.tickers[feedID]
	if ok {
		delete(s.tickers, feedID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	t.close()
	s.logger.Info("フィードのスケジュールを解除しました", slog.Int64("feed_id", feedID))
}

// Refresh は指定フィードの即時フェッチを1回予約する。
// 同じフィードのジョブが未完了、またはキューが満杯の場合は
// 予約せずfalseを返す。
func (s *Scheduler) Refresh(feedID int64) bool {
	return s.enqueue(feedID, ReasonManual)
}

// runTicker はフィード1件のtickを発行し続ける。stopで終了する。
func (s *Scheduler) runTicker(t *feedTicker) {
	defer s.tickWG.Done()

	// 周期実行の起点は登録時刻に固定し、初回フェッチの遅延に影響されない。
	next := time.Now().Add(t.nextDelay())
	t.nextRun.Store(next.UnixNano())

	initial := time.Duration(rand.Float64() * initialJitterFrac * float64(t.interval))
	timer := time.NewTimer(initial)
	defer timer.Stop()

	select {
	case <-t.stop:
		return
	case <-timer.C:
		s.enqueue(t.feedID, ReasonInitial)
	}

	for {
		timer.Reset(time.Until(next))
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		s.enqueue(t.feedID, ReasonInterval)
		next = time.Now().Add(t.nextDelay())
		t.nextRun.Store(next.UnixNano())
	}
}

// enqueue はジョブをキューへ投入する。同じフィードのジョブが未完了の場合と
// キューが満杯の場合は投入せずfalseを返す。
func (s *Scheduler) enqueue(feedID int64, reason string) bool {
	if _, loaded := s.pending.LoadOrStore(feedID, struct{}{}); loaded {
		s.logger.Debug("前回のジョブが未完了のためtickを破棄します",
			slog.Int64("feed_id", feedID),
			slog.String("reason", reason),
		)
		return false
	}

	select {
	case s.jobs <- job{feedID: feedID, reason: reason}:
		return true
	default:
		s.pending.Delete(feedID)
		s.logger.Warn("ジョブキューが満杯のためtickを破棄します",
			slog.Int64("feed_id", feedID),
			slog.String("reason", reason),
		)
		return false
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.jobWG.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case j := <-s.jobs:
			s.execute(ctx, j)
		}
	}
}

// execute はジョブを1件実行し、結果をタイマー状態へ反映する。
func (s *Scheduler) execute(ctx context.Context, j job) {
	defer s.pending.Delete(j.feedID)

	// シャットダウン開始後にキューへ残っていたジョブは実行しない。
	if ctx.Err() != nil {
		return
	}

	out := s.runner.Run(ctx, j.feedID, j.reason)

	if out.Deferred {
		time.AfterFunc(rateRetryDelay, func() {
			select {
			case <-s.stopCh:
			default:
				s.enqueue(j.feedID, j.reason)
			}
		})
		return
	}

	if out.Multiplier > 0 {
		s.applyMultiplier(j.feedID, out.Multiplier)
	}
}

// applyMultiplier はバックオフ係数をタイマーへ反映する。
func (s *Scheduler) applyMultiplier(feedID int64, m float64) {
	s.mu.Lock()
	t := s.tickers[feedID]
	s.mu.Unlock()

	if t == nil || t.multiplier() == m {
		return
	}
	t.setMultiplier(m)
	s.logger.Debug("ポーリング間隔の係数を更新しました",
		slog.Int64("feed_id", feedID),
		slog.Float64("multiplier", m),
		slog.Float64("effective_interval_seconds", (time.Duration(float64(t.interval) * m)).Seconds()),
	)
}

// Status はスケジューラの現在状態のスナップショット。
type Status struct {
	Running       bool        `json:"running"`
	JobCount      int         `json:"job_count"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Jobs          []JobStatus `json:"jobs"`
}

// JobStatus は登録済みジョブ1件の状態。
type JobStatus struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	NextRun *time.Time `json:"next_run"`
}

// Status は登録済みジョブの一覧と稼働状態を返す。JobsはフィードID昇順。
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:  !s.startedAt.IsZero() && !s.stopped,
		JobCount: len(s.tickers),
		Jobs:     make([]JobStatus, 0, len(s.tickers)),
	}
	if !s.startedAt.IsZero() {
		st.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}

	ids := make([]int64, 0, len(s.tickers))
	for id := range s.tickers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t := s.tickers[id]
		js := JobStatus{
			ID:   fmt.Sprintf("feed_%d", t.feedID),
			Name: "Fetch " + t.name,
		}
		if ns := t.nextRun.Load(); ns > 0 {
			at := time.Unix(0, ns)
			js.NextRun = &at
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

// QueueDepth はキューで待機中のジョブ数を返す。
func (s *Scheduler) QueueDepth() int {
	return len(s.jobs)
}
