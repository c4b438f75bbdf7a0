// Package router は接続のライフサイクルを管理し、コマンドとフレームを各コンポーネントへ振り分ける
//
// 接続 → 認証 → 登録 → (コマンド / フレーム) → 切断 の流れを扱う。
// カメラは管理者にデプロイされるまでフレームを送っても破棄される。
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"guardx/internal/auth"
	"guardx/internal/broadcast"
	"guardx/internal/deploy"
	"guardx/internal/metrics"
	"guardx/internal/pipeline"
	"guardx/internal/session"
	"guardx/internal/wire"
)

var (
	// ErrNotObserver は管理者以外がコマンドを送ったことを表す
	ErrNotObserver = errors.New("command issuer is not an observer")
	// ErrUnknownEvent は未対応のイベントを表す
	ErrUnknownEvent = errors.New("unknown event")
)

// deploy:failed の理由コード
const (
	ReasonUnknownProducer = "unknown_producer"
	ReasonAlreadyDeployed = "already_deployed"
	ReasonNotDeployed     = "not_deployed"
	ReasonInternal        = "internal"
)

const (
	messageStartStreaming = "Start streaming"
	messageStopStreaming  = "Stop streaming"
)

// ResultSink は検出結果の追加の配信先
type ResultSink interface {
	Emit(result wire.DetectionResultPayload)
}

// Coordinator は接続のライフサイクルを管理する
type Coordinator struct {
	authn     auth.Authenticator
	registry  *session.Registry
	deploy    *deploy.Authorizer
	pipeline  *pipeline.Pipeline
	broadcast *broadcast.Router

	sink    ResultSink
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

// Option はCoordinatorの設定
type Option func(*Coordinator)

// WithResultSink は検出結果の追加の配信先を設定する
func WithResultSink(sink ResultSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger はロガーを設定する
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = log }
}

// New は新しいCoordinatorを作成する
// 配信に失敗した接続は切断として扱う
func New(
	authn auth.Authenticator,
	registry *session.Registry,
	authorizer *deploy.Authorizer,
	pipe *pipeline.Pipeline,
	bc *broadcast.Router,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		authn:     authn,
		registry:  registry,
		deploy:    authorizer,
		pipeline:  pipe,
		broadcast: bc,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	bc.SetFailureHook(c.onDeliveryFailure)
	return c
}

// Connect はトークンを検証して接続を登録する
func (c *Coordinator) Connect(ctx context.Context, id, token string, sender session.Sender) (session.Connection, error) {
	identity, err := c.authn.Authenticate(ctx, token)
	if err != nil {
		c.log.WithField("session_id", id).WithError(err).Warn("認証に失敗しました")
		return session.Connection{}, err
	}

	label := identity.CameraID
	if label == "" {
		label = identity.Subject
	}

	conn, err := c.registry.Register(id, identity.Subject, identity.Role, label, sender)
	if err != nil {
		return session.Connection{}, fmt.Errorf("セッション %s の登録に失敗: %w", id, err)
	}
	c.metrics.SessionOpened(conn.Role.String())

	log := c.log.WithFields(logrus.Fields{
		"session_id": conn.ID,
		"identity":   conn.Identity,
		"role":       conn.Role.String(),
	})

	switch conn.Role {
	case session.RoleObserver:
		log.Info("管理者が接続しました")
		_ = c.broadcast.Unicast(conn.ID, wire.Envelope{
			Event: wire.EventCameraList,
			Data:  wire.CameraListPayload{Cameras: c.Cameras()},
		})
	case session.RoleProducer:
		log.WithField("camera_id", conn.Label).Info("カメラが接続しました")
		c.broadcast.Broadcast(broadcast.RoomObservers, wire.Envelope{
			Event: wire.EventCameraConnected,
			Data: wire.CameraConnectedPayload{
				SID:      conn.ID,
				Username: conn.Identity,
				CameraID: conn.Label,
			},
		})
	}

	return conn, nil
}

// Command は管理者からのデプロイ操作を処理する
func (c *Coordinator) Command(ctx context.Context, id string, event wire.Event, target string) error {
	issuer, ok := c.registry.Get(id)
	if !ok || issuer.Role != session.RoleObserver {
		c.log.WithFields(logrus.Fields{
			"session_id": id,
			"event":      event,
		}).Warn("管理者以外からのコマンドを無視しました")
		return ErrNotObserver
	}

	switch event {
	case wire.EventDeployStartCmd:
		return c.deployStart(issuer, target)
	case wire.EventDeployStopCmd:
		return c.deployStop(issuer, target)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
}

func (c *Coordinator) deployStart(issuer session.Connection, target string) error {
	rec, err := c.deploy.Deploy(target, issuer.Identity)
	if err != nil {
		c.replyFailed(issuer, "deploy", target, err)
		return err
	}
	c.metrics.DeployTransition(string(deploy.ActionDeploy))

	c.log.WithFields(logrus.Fields{
		"camera_sid": target,
		"camera_id":  rec.CameraID,
		"actor":      issuer.Identity,
	}).Info("カメラをデプロイしました")

	_ = c.broadcast.Unicast(target, wire.Envelope{
		Event: wire.EventDeployAssigned,
		Data:  wire.DeployNoticePayload{CameraID: rec.CameraID, Message: messageStartStreaming},
	})
	_ = c.broadcast.Unicast(issuer.ID, wire.Envelope{
		Event: wire.EventDeploySuccess,
		Data: wire.DeployAckPayload{
			Action:       "deploy",
			CameraSID:    target,
			CameraID:     rec.CameraID,
			AuthorizedBy: rec.AuthorizedBy,
			FrameCount:   rec.FrameCount,
		},
	})
	return nil
}

func (c *Coordinator) deployStop(issuer session.Connection, target string) error {
	rec, err := c.deploy.Stop(target, issuer.Identity)
	if err != nil {
		c.replyFailed(issuer, "stop", target, err)
		return err
	}
	c.metrics.DeployTransition(string(deploy.ActionStop))

	c.log.WithFields(logrus.Fields{
		"camera_sid":  target,
		"camera_id":   rec.CameraID,
		"actor":       issuer.Identity,
		"frame_count": rec.FrameCount,
	}).Info("カメラを停止しました")

	_ = c.broadcast.Unicast(target, wire.Envelope{
		Event: wire.EventDeployStop,
		Data:  wire.DeployNoticePayload{CameraID: rec.CameraID, Message: messageStopStreaming},
	})
	_ = c.broadcast.Unicast(issuer.ID, wire.Envelope{
		Event: wire.EventDeploySuccess,
		Data: wire.DeployAckPayload{
			Action:     "stop",
			CameraSID:  target,
			CameraID:   rec.CameraID,
			FrameCount: rec.FrameCount,
		},
	})
	return nil
}

// replyFailed は失敗をコマンド発行者にだけ通知する
func (c *Coordinator) replyFailed(issuer session.Connection, action, target string, err error) {
	c.log.WithFields(logrus.Fields{
		"camera_sid": target,
		"action":     action,
		"actor":      issuer.Identity,
	}).WithError(err).Warn("デプロイ操作に失敗しました")

	_ = c.broadcast.Unicast(issuer.ID, wire.Envelope{
		Event: wire.EventDeployFailed,
		Data: wire.DeployFailedPayload{
			Action:    action,
			CameraSID: target,
			Reason:    reasonFor(err),
			Error:     err.Error(),
		},
	})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, deploy.ErrUnknownProducer):
		return ReasonUnknownProducer
	case errors.Is(err, deploy.ErrAlreadyDeployed):
		return ReasonAlreadyDeployed
	case errors.Is(err, deploy.ErrNotDeployed):
		return ReasonNotDeployed
	default:
		return ReasonInternal
	}
}

// Frame はカメラから受信したフレームを処理し、結果を管理者へ配信する
// デプロイされていないカメラのフレームは何もせずに破棄する
func (c *Coordinator) Frame(ctx context.Context, id string, raw []byte) error {
	conn, ok := c.registry.Get(id)
	if !ok || conn.Role != session.RoleProducer || !c.deploy.RecordFrame(id) {
		c.metrics.Frame(metrics.OutcomeRejected)
		c.log.WithField("session_id", id).Debug("未許可のフレームを破棄しました")
		return nil
	}

	res, err := c.pipeline.Process(ctx, raw, conn.ID, conn.Label)
	if err != nil {
		if errors.Is(err, pipeline.ErrDecode) {
			c.metrics.Frame(metrics.OutcomeDecodeError)
		}
		c.log.WithFields(logrus.Fields{
			"session_id": id,
			"camera_id":  conn.Label,
		}).WithError(err).Debug("フレームの処理に失敗しました")
		return err
	}
	c.metrics.Frame(metrics.OutcomeAccepted)

	payload := wire.DetectionResultPayload{
		ProducerID: res.ProducerID,
		CameraID:   res.CameraID,
		Frame:      res.AnnotatedFrame,
		Detections: res.Detections,
		Timestamp:  res.Timestamp,
	}
	c.broadcast.Broadcast(broadcast.RoomObservers, wire.Envelope{
		Event: wire.EventDetectionResult,
		Data:  payload,
	})
	if c.sink != nil {
		c.sink.Emit(payload)
	}
	return nil
}

// Dispatch は受信メッセージをイベント名で振り分ける
func (c *Coordinator) Dispatch(ctx context.Context, id string, in wire.Inbound) error {
	switch in.Event {
	case wire.EventDeployStartCmd, wire.EventDeployStopCmd:
		var p wire.TargetPayload
		if err := in.Bind(&p); err != nil {
			return fmt.Errorf("%s のデータが不正です: %w", in.Event, err)
		}
		return c.Command(ctx, id, in.Event, p.CameraSID)

	case wire.EventCameraFrame:
		var p wire.FramePayload
		if err := in.Bind(&p); err != nil {
			return fmt.Errorf("%s のデータが不正です: %w", in.Event, err)
		}
		raw, err := p.Bytes()
		if err != nil {
			return err
		}
		return c.Frame(ctx, id, raw)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, in.Event)
	}
}

// Disconnect は接続を削除し、関連する状態を片付ける。何度呼んでもよい
func (c *Coordinator) Disconnect(id string) {
	conn, ok := c.registry.Unregister(id)
	if !ok {
		return
	}
	c.metrics.SessionClosed(conn.Role.String())

	log := c.log.WithFields(logrus.Fields{
		"session_id": conn.ID,
		"role":       conn.Role.String(),
	})

	switch conn.Role {
	case session.RoleProducer:
		if c.deploy.OnDisconnect(conn.ID) {
			c.metrics.DeployTransition(string(deploy.ActionDisconnect))
		}
		c.pipeline.Forget(conn.ID)
		log.WithField("camera_id", conn.Label).Info("カメラが切断しました")

		c.broadcast.Broadcast(broadcast.RoomObservers, wire.Envelope{
			Event: wire.EventCameraDisconnect,
			Data:  wire.CameraDisconnectPayload{SID: conn.ID, CameraID: conn.Label},
		})
	case session.RoleObserver:
		log.Info("管理者が切断しました")
	}
}

// onDeliveryFailure は送信に失敗した接続を閉じ、非同期に切断処理を行う
func (c *Coordinator) onDeliveryFailure(conn session.Connection, _ error) {
	if conn.Sender != nil {
		_ = conn.Sender.Close()
	}
	go c.Disconnect(conn.ID)
}

// Cameras は接続中のカメラ一覧を返す
func (c *Coordinator) Cameras() []wire.CameraInfo {
	producers := c.registry.ListByRole(session.RoleProducer)
	cameras := make([]wire.CameraInfo, 0, len(producers))
	for _, p := range producers {
		cameras = append(cameras, wire.CameraInfo{
			SID:         p.ID,
			Username:    p.Identity,
			CameraID:    p.Label,
			Deployed:    c.deploy.IsAuthorized(p.ID),
			ConnectedAt: p.ConnectedAt,
		})
	}
	return cameras
}

// Status はルーターの状態の概要
type Status struct {
	Producers int `json:"producers"`
	Observers int `json:"observers"`
	Deployed  int `json:"deployed"`
	InFlight  int `json:"inflight"`
	Capacity  int `json:"capacity"`
	Every     int `json:"decimation_factor"`
}

// Status はルーターの状態を返す
func (c *Coordinator) Status() Status {
	return Status{
		Producers: c.registry.Count(session.RoleProducer),
		Observers: c.registry.Count(session.RoleObserver),
		Deployed:  len(c.deploy.Deployed()),
		InFlight:  c.pipeline.InFlight(),
		Capacity:  c.pipeline.Capacity(),
		Every:     c.pipeline.Every(),
	}
}
