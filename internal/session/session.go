// Package session は接続中のセッションとその役割を管理する
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"guardx/internal/wire"
)

// ErrDuplicateSession は同じIDのセッションが既に登録されていることを表す
var ErrDuplicateSession = errors.New("session already registered")

// Role は接続の役割
type Role int

const (
	// RoleProducer はフレームを送信するカメラ
	RoleProducer Role = iota + 1
	// RoleObserver は検出結果を受信する管理者
	RoleObserver
)

// String は役割の文字列表現を返す
func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// Sender はトランスポートの送信側
type Sender interface {
	Send(env wire.Envelope) error
	Close() error
}

// Connection は登録済みの接続
type Connection struct {
	ID          string
	Identity    string
	Role        Role
	Label       string
	ConnectedAt time.Time
	Sender      Sender
}

// Registry は接続を管理する
type Registry struct {
	conns map[string]*Connection
	mu    sync.RWMutex
	now   func() time.Time
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		now:   time.Now,
	}
}

// Register は接続を登録する
func (r *Registry) Register(id, identity string, role Role, label string, sender Sender) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return Connection{}, ErrDuplicateSession
	}

	if label == "" {
		label = identity
	}
	conn := &Connection{
		ID:          id,
		Identity:    identity,
		Role:        role,
		Label:       label,
		ConnectedAt: r.now(),
		Sender:      sender,
	}
	r.conns[id] = conn

	return *conn, nil
}

// Unregister は接続を削除し、削除した接続を返す
func (r *Registry) Unregister(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[id]
	if !exists {
		return Connection{}, false
	}
	delete(r.conns, id)

	return *conn, true
}

// Get は指定されたIDの接続を取得する
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[id]
	if !exists {
		return Connection{}, false
	}

	// コピーを返す
	return *conn, true
}

// ListByRole は指定した役割の接続一覧を接続順で返す
func (r *Registry) ListByRole(role Role) []Connection {
	r.mu.RLock()
	conns := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.Role == role {
			conns = append(conns, *conn)
		}
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
	return conns
}

// Count は指定した役割の接続数を返す
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conn := range r.conns {
		if conn.Role == role {
			n++
		}
	}
	return n
}
