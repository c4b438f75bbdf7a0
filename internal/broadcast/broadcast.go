// Package broadcast は接続の役割ごとのルームへメッセージを配信する
//
// 宛先ごとに独立して送信し、1つの宛先の失敗が他の宛先への配信を妨げない。
package broadcast

import (
	"errors"

	"github.com/sirupsen/logrus"

	"guardx/internal/metrics"
	"guardx/internal/session"
	"guardx/internal/wire"
)

// ErrUnknownRecipient は宛先が登録されていないことを表す
var ErrUnknownRecipient = errors.New("unknown recipient")

// Room は配信先のグループ
type Room int

const (
	// RoomObservers は全管理者
	RoomObservers Room = iota + 1
	// RoomProducers は全カメラ
	RoomProducers
)

// String はルーム名を返す
func (r Room) String() string {
	switch r {
	case RoomObservers:
		return "admin_room"
	case RoomProducers:
		return "camera_room"
	default:
		return "unknown_room"
	}
}

func (r Room) role() session.Role {
	switch r {
	case RoomObservers:
		return session.RoleObserver
	case RoomProducers:
		return session.RoleProducer
	default:
		return 0
	}
}

// Registry は配信先の解決に使う
type Registry interface {
	Get(id string) (session.Connection, bool)
	ListByRole(role session.Role) []session.Connection
}

// FailureHook は送信に失敗した宛先を受け取る。ブロックしてはならない
type FailureHook func(conn session.Connection, err error)

// PublishResult は配信結果
type PublishResult struct {
	Sent   int
	Failed []string
}

// Router はメッセージ配信を行う
type Router struct {
	registry  Registry
	onFailure FailureHook
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
}

// Option はRouterの設定
type Option func(*Router)

// WithFailureHook は送信失敗時の処理を設定する
func WithFailureHook(hook FailureHook) Option {
	return func(r *Router) { r.onFailure = hook }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger はロガーを設定する
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Router) { r.log = log }
}

// New は新しいRouterを作成する
func New(registry Registry, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetFailureHook は送信失敗時の処理を設定する
func (r *Router) SetFailureHook(hook FailureHook) {
	r.onFailure = hook
}

// Broadcast はルームの全員にメッセージを送る
// 宛先は呼び出し時点のスナップショットで決まる
func (r *Router) Broadcast(room Room, env wire.Envelope) PublishResult {
	var result PublishResult
	for _, conn := range r.registry.ListByRole(room.role()) {
		if err := r.deliver(conn, env); err != nil {
			result.Failed = append(result.Failed, conn.ID)
			continue
		}
		result.Sent++
	}
	return result
}

// Unicast は1つの接続にメッセージを送る
func (r *Router) Unicast(id string, env wire.Envelope) error {
	conn, ok := r.registry.Get(id)
	if !ok {
		return ErrUnknownRecipient
	}
	return r.deliver(conn, env)
}

func (r *Router) deliver(conn session.Connection, env wire.Envelope) error {
	if conn.Sender == nil {
		return ErrUnknownRecipient
	}
	err := conn.Sender.Send(env)
	if err == nil {
		return nil
	}

	r.metrics.BroadcastFailure()
	r.log.WithFields(logrus.Fields{
		"session_id": conn.ID,
		"role":       conn.Role.String(),
		"event":      env.Event,
	}).WithError(err).Warn("メッセージの送信に失敗しました")

	if r.onFailure != nil {
		r.onFailure(conn, err)
	}
	return err
}
