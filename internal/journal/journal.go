// Package journal 异步记录下单、成交与网格周期事件。
package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"okx-grid-go/infrastructure/logger"
)

// Kind 事件类型
type Kind string

const (
	KindPlaced     Kind = "placed"
	KindRejected   Kind = "rejected"
	KindFill       Kind = "fill"
	KindCycleReset Kind = "cycle_reset"
	KindRegenerate Kind = "regenerate"
	KindPauseClear Kind = "pause_clear"
)

// Entry 一条日志记录
type Entry struct {
	Time          time.Time `json:"time"`
	Kind          Kind      `json:"kind"`
	InstID        string    `json:"instId"`
	OrderID       string    `json:"ordId,omitempty"`
	PairedOrderID string    `json:"pairedOrdId,omitempty"`
	Side          string    `json:"side,omitempty"`
	Slot          int       `json:"slot"`
	State         string    `json:"state,omitempty"`
	Price         float64   `json:"price,omitempty"`
	Size          float64   `json:"size,omitempty"`
	NotionalUSD   float64   `json:"notionalUsd,omitempty"`
	Fee           float64   `json:"fee,omitempty"`
	Note          string    `json:"note,omitempty"`
}

// Recorder 由策略引擎调用，必须非阻塞。
type Recorder interface {
	Record(e Entry)
}

// Sink 落地存储（文件、数据库）。
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// Nop 丢弃所有记录。
type Nop struct{}

func (Nop) Record(Entry) {}

// AsyncRecorder 缓冲写入，后台批量落地到所有 Sink；缓冲满时丢弃并告警。
type AsyncRecorder struct {
	sinks []Sink
	ch    chan Entry
	log   *logger.Logger

	batch    int
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewAsyncRecorder(log *logger.Logger, buffer int, sinks ...Sink) *AsyncRecorder {
	if log == nil {
		log = logger.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &AsyncRecorder{
		sinks:    sinks,
		ch:       make(chan Entry, buffer),
		log:      log.Named("journal"),
		batch:    64,
		interval: time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Record 非阻塞入队。
func (r *AsyncRecorder) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("journal buffer full, entry dropped", zap.String("kind", string(e.Kind)), zap.String("ordId", e.OrderID))
	}
}

// Run 后台写入循环，ctx 取消或 Close 后刷新剩余记录并返回。
func (r *AsyncRecorder) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pending := make([]Entry, 0, r.batch)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		// 使用独立 ctx，保证退出时也能落地
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range r.sinks {
			if err := s.Write(wctx, pending); err != nil {
				r.log.Warn("journal write failed", zap.Error(err), zap.Int("entries", len(pending)))
			}
		}
		pending = pending[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-r.ch:
				pending = append(pending, e)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-r.stop:
			drain()
			return
		case e := <-r.ch:
			pending = append(pending, e)
			if len(pending) >= r.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close 停止写入循环并关闭所有 Sink。Run 必须已启动。
func (r *AsyncRecorder) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	var err error
	for _, s := range r.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
