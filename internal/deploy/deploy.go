// Package deploy はカメラのデプロイ（フレーム送信許可）状態を管理する
//
// カメラは接続直後は未許可（IDLE）で、管理者がデプロイするとフレームを送信できる。
// 状態遷移: IDLE → DEPLOYED → IDLE、切断で DISCONNECTED（終端）。
package deploy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"guardx/internal/session"
)

// State はデプロイ状態
type State string

const (
	StateIdle         State = "IDLE"
	StateDeployed     State = "DEPLOYED"
	StateDisconnected State = "DISCONNECTED"
)

// Action は履歴に残る操作
type Action string

const (
	ActionDeploy     Action = "DEPLOY"
	ActionStop       Action = "STOP"
	ActionDisconnect Action = "DISCONNECT"
)

var (
	// ErrUnknownProducer は対象が登録済みのカメラではないことを表す
	ErrUnknownProducer = errors.New("unknown producer")
	// ErrAlreadyDeployed は既にデプロイ済みであることを表す
	ErrAlreadyDeployed = errors.New("producer already deployed")
	// ErrNotDeployed はデプロイされていないことを表す
	ErrNotDeployed = errors.New("producer not deployed")
)

const defaultHistoryCapacity = 10000

// Record はカメラごとのデプロイ状態
type Record struct {
	SessionID    string    `json:"session_id"`
	CameraID     string    `json:"camera_id"`
	State        State     `json:"state"`
	AuthorizedBy string    `json:"authorized_by"`
	DeployedAt   time.Time `json:"deployed_at"`
	FrameCount   uint64    `json:"frame_count"`
}

// HistoryEntry はデプロイ履歴の1件
type HistoryEntry struct {
	SessionID  string    `json:"session_id"`
	CameraID   string    `json:"camera_id"`
	Action     Action    `json:"action"`
	State      State     `json:"state"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
	FrameCount uint64    `json:"frame_count"`
}

// ProducerLookup はカメラの存在確認に使う
type ProducerLookup interface {
	Get(id string) (session.Connection, bool)
}

// HistorySink は履歴の永続化先
type HistorySink interface {
	Record(ctx context.Context, entry HistoryEntry) error
}

// Option はAuthorizerの設定
type Option func(*Authorizer)

// WithHistorySink は履歴の永続化先を設定する
func WithHistorySink(sink HistorySink) Option {
	return func(a *Authorizer) { a.sink = sink }
}

// WithClock は時刻の取得方法を差し替える
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

// WithLogger はロガーを設定する
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Authorizer) { a.log = log }
}

// WithHistoryCapacity はメモリ上に保持する履歴の上限を設定する
func WithHistoryCapacity(n int) Option {
	return func(a *Authorizer) {
		if n > 0 {
			a.historyCap = n
		}
	}
}

// Authorizer はデプロイ状態を管理する
type Authorizer struct {
	producers  ProducerLookup
	records    map[string]*Record
	history    []HistoryEntry
	historyCap int
	mu         sync.Mutex

	sink HistorySink
	now  func() time.Time
	log  logrus.FieldLogger
}

// NewAuthorizer は新しいAuthorizerを作成する
func NewAuthorizer(producers ProducerLookup, opts ...Option) *Authorizer {
	a := &Authorizer{
		producers:  producers,
		records:    make(map[string]*Record),
		historyCap: defaultHistoryCapacity,
		now:        time.Now,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Deploy はカメラのフレーム送信を許可する
func (a *Authorizer) Deploy(id, actor string) (Record, error) {
	a.mu.Lock()

	conn, ok := a.producers.Get(id)
	if !ok || conn.Role != session.RoleProducer {
		a.mu.Unlock()
		return Record{}, ErrUnknownProducer
	}

	rec, exists := a.records[id]
	if exists && rec.State == StateDeployed {
		a.mu.Unlock()
		return Record{}, ErrAlreadyDeployed
	}
	if !exists {
		rec = &Record{SessionID: id, CameraID: conn.Label}
		a.records[id] = rec
	}
	rec.State = StateDeployed
	rec.AuthorizedBy = actor
	rec.DeployedAt = a.now()

	entry := a.appendLocked(rec, ActionDeploy, actor)
	result := *rec
	a.mu.Unlock()

	a.persist(entry)
	return result, nil
}

// Stop はカメラのフレーム送信許可を取り消す
func (a *Authorizer) Stop(id, actor string) (Record, error) {
	a.mu.Lock()

	rec, exists := a.records[id]
	if !exists || rec.State != StateDeployed {
		a.mu.Unlock()
		return Record{}, ErrNotDeployed
	}
	// 切断時に履歴を残すため IDLE のレコードは保持する
	rec.State = StateIdle

	entry := a.appendLocked(rec, ActionStop, actor)
	result := *rec
	a.mu.Unlock()

	a.persist(entry)
	return result, nil
}

// IsAuthorized はフレーム送信が許可されているかを返す
func (a *Authorizer) IsAuthorized(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.records[id]
	return exists && rec.State == StateDeployed
}

// RecordFrame はデプロイ中であればフレーム数を加算する
func (a *Authorizer) RecordFrame(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.records[id]
	if !exists || rec.State != StateDeployed {
		return false
	}
	rec.FrameCount++
	return true
}

// OnDisconnect は切断されたカメラのレコードを削除し、履歴を残す
// レコードが無い場合は何もせず false を返す
func (a *Authorizer) OnDisconnect(id string) bool {
	a.mu.Lock()

	rec, exists := a.records[id]
	if !exists {
		a.mu.Unlock()
		return false
	}
	delete(a.records, id)
	rec.State = StateDisconnected

	entry := a.appendLocked(rec, ActionDisconnect, "")
	a.mu.Unlock()

	a.persist(entry)
	return true
}

// Get は指定されたカメラのレコードを取得する
func (a *Authorizer) Get(id string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.records[id]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// Deployed はデプロイ中の全レコードを返す
func (a *Authorizer) Deployed() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	records := make([]Record, 0, len(a.records))
	for _, rec := range a.records {
		if rec.State == StateDeployed {
			records = append(records, *rec)
		}
	}
	return records
}

// History は直近 limit 件の履歴を古い順に返す
func (a *Authorizer) History(limit int) []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := 0
	if limit > 0 && len(a.history) > limit {
		start = len(a.history) - limit
	}
	return append([]HistoryEntry(nil), a.history[start:]...)
}

// HistoryFor は指定されたカメラの履歴を返す
func (a *Authorizer) HistoryFor(id string) []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var entries []HistoryEntry
	for _, e := range a.history {
		if e.SessionID == id {
			entries = append(entries, e)
		}
	}
	return entries
}

// appendLocked は履歴を追加する。a.mu を保持して呼ぶこと
func (a *Authorizer) appendLocked(rec *Record, action Action, actor string) HistoryEntry {
	entry := HistoryEntry{
		SessionID:  rec.SessionID,
		CameraID:   rec.CameraID,
		Action:     action,
		State:      rec.State,
		Actor:      actor,
		At:         a.now(),
		FrameCount: rec.FrameCount,
	}
	a.history = append(a.history, entry)
	if over := len(a.history) - a.historyCap; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
	return entry
}

// persist は履歴を永続化先へ渡す。失敗はログに残すのみ
func (a *Authorizer) persist(entry HistoryEntry) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Record(context.Background(), entry); err != nil {
		a.log.WithFields(logrus.Fields{
			"session_id": entry.SessionID,
			"action":     entry.Action,
		}).WithError(err).Warn("デプロイ履歴の保存に失敗")
	}
}
