// Package pipeline は同時実行数を制限してフレームの検出と注釈付けを行う
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"guardx/internal/detect"
	"guardx/internal/imaging"
	"guardx/internal/metrics"
	"guardx/internal/throttle"
)

// ErrDecode はフレームのデコード失敗を表す
var ErrDecode = errors.New("frame decode failed")

// Config はパイプラインの設定
type Config struct {
	Capacity         int           // 同時に処理するフレーム数の上限
	DetectionTimeout time.Duration // 1回の検出のタイムアウト（0 で無制限）
	Quality          int           // 注釈付きJPEGの品質
}

// Result はフレーム1枚の処理結果
type Result struct {
	ProducerID     string
	CameraID       string
	AnnotatedFrame []byte
	Detections     detect.Result
	Fresh          bool
	Timestamp      time.Time
}

// Pipeline は検出パイプライン
type Pipeline struct {
	sem      *semaphore.Weighted
	capacity int
	inflight atomic.Int64

	detector detect.Detector
	throttle *throttle.Cache
	timeout  time.Duration
	quality  int

	metrics *metrics.Metrics
	log     logrus.FieldLogger
	now     func() time.Time
}

// Option はPipelineの設定
type Option func(*Pipeline)

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger はロガーを設定する
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithClock は時刻の取得方法を差し替える
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New は新しいPipelineを作成する
func New(cfg Config, detector detect.Detector, cache *throttle.Cache, opts ...Option) *Pipeline {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = 40
	}
	if detector == nil {
		detector = detect.Nop{}
	}

	p := &Pipeline{
		sem:      semaphore.NewWeighted(int64(cfg.Capacity)),
		capacity: cfg.Capacity,
		detector: detector,
		throttle: cache,
		timeout:  cfg.DetectionTimeout,
		quality:  cfg.Quality,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process はフレームをデコードし、枠を空くのを待ってから検出と注釈付けを行う
// 枠が空くまでブロックする。ctx がキャンセルされた場合はそのエラーを返す。
func (p *Pipeline) Process(ctx context.Context, raw []byte, producerID, label string) (Result, error) {
	img, err := imaging.Decode(raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	p.metrics.SetInFlight(int(p.inflight.Add(1)))
	defer func() {
		p.metrics.SetInFlight(int(p.inflight.Add(-1)))
		p.sem.Release(1)
	}()

	detections, fresh := p.throttle.GetOrUpdate(producerID, func() detect.Result {
		return p.runDetection(ctx, img, producerID)
	})
	if !fresh {
		p.metrics.Detection(metrics.KindCached)
	}

	annotated := imaging.Annotate(img, detections.Detections())
	encoded, err := imaging.EncodeJPEG(annotated, p.quality)
	if err != nil {
		return Result{}, err
	}

	return Result{
		ProducerID:     producerID,
		CameraID:       label,
		AnnotatedFrame: encoded,
		Detections:     detections,
		Fresh:          fresh,
		Timestamp:      p.now(),
	}, nil
}

type detectOutcome struct {
	detections []detect.Detection
	err        error
}

// runDetection は検出器を呼ぶ。失敗・タイムアウト時は検出なしとして扱う
func (p *Pipeline) runDetection(ctx context.Context, img image.Image, producerID string) detect.Result {
	dctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	ch := make(chan detectOutcome, 1)
	go func() {
		dets, err := p.detector.Detect(dctx, img)
		ch <- detectOutcome{detections: dets, err: err}
	}()

	var out detectOutcome
	select {
	case out = <-ch:
	case <-dctx.Done():
		out.err = dctx.Err()
	}
	p.metrics.ObserveDetection(time.Since(start))

	if out.err != nil {
		p.metrics.Detection(metrics.KindFailed)
		p.log.WithFields(logrus.Fields{
			"producer_id": producerID,
		}).WithError(out.err).Warn("検出に失敗しました")
		return detect.Empty()
	}

	p.metrics.Detection(metrics.KindFresh)
	return detect.NewResult(out.detections)
}

// InFlight は処理中のフレーム数を返す
func (p *Pipeline) InFlight() int {
	return int(p.inflight.Load())
}

// Capacity は同時処理数の上限を返す
func (p *Pipeline) Capacity() int {
	return p.capacity
}

// Every は検出の間引き係数を返す
func (p *Pipeline) Every() int {
	return p.throttle.Every()
}

// Forget はカメラの間引き状態を破棄する
func (p *Pipeline) Forget(producerID string) {
	p.throttle.Forget(producerID)
}
