package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"guardx/internal/wire"
)

type nopSender struct{}

func (nopSender) Send(wire.Envelope) error { return nil }
func (nopSender) Close() error             { return nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	conn, err := r.Register("sid-1", "cam-1", RoleProducer, "", nopSender{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.Label != "cam-1" {
		t.Errorf("ラベル未指定時はIDを使う: got %s", conn.Label)
	}
	if conn.ConnectedAt.IsZero() {
		t.Error("接続時刻が設定されていません")
	}

	got, ok := r.Get("sid-1")
	if !ok {
		t.Fatal("登録した接続が見つかりません")
	}
	if got.Role != RoleProducer || got.Identity != "cam-1" {
		t.Errorf("接続情報が一致しません: %+v", got)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Register("sid-1", "cam-1", RoleProducer, "front", nopSender{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err := r.Register("sid-1", "admin-1", RoleObserver, "", nopSender{})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	// 既存の接続は変わらない
	got, _ := r.Get("sid-1")
	if got.Identity != "cam-1" || got.Label != "front" {
		t.Errorf("既存の接続が変更されています: %+v", got)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register("sid-1", "cam-1", RoleProducer, "", nopSender{})

	conn, ok := r.Unregister("sid-1")
	if !ok || conn.ID != "sid-1" {
		t.Fatalf("Unregister: got %+v, %v", conn, ok)
	}
	if _, ok := r.Unregister("sid-1"); ok {
		t.Error("2回目の Unregister は false であるべきです")
	}
	if _, ok := r.Get("sid-1"); ok {
		t.Error("削除後も接続が残っています")
	}
}

func TestRegistry_ListByRole(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register("p1", "cam-1", RoleProducer, "", nopSender{})
	_, _ = r.Register("o1", "admin-1", RoleObserver, "", nopSender{})
	_, _ = r.Register("p2", "cam-2", RoleProducer, "", nopSender{})

	producers := r.ListByRole(RoleProducer)
	if len(producers) != 2 {
		t.Fatalf("producers: got %d, want 2", len(producers))
	}
	if r.Count(RoleObserver) != 1 {
		t.Errorf("observers: got %d, want 1", r.Count(RoleObserver))
	}

	// スナップショットは後の変更の影響を受けない
	_, _ = r.Unregister("p1")
	if len(producers) != 2 {
		t.Error("スナップショットが変化しています")
	}
	if r.Count(RoleProducer) != 1 {
		t.Errorf("producers after unregister: got %d", r.Count(RoleProducer))
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sid-%d", i)
			_, _ = r.Register(id, id, RoleProducer, "", nopSender{})
			_ = r.ListByRole(RoleProducer)
			if i%2 == 0 {
				r.Unregister(id)
			}
		}(i)
	}
	wg.Wait()

	if got := r.Count(RoleProducer); got != 25 {
		t.Errorf("producers: got %d, want 25", got)
	}
}

func TestRoleString(t *testing.T) {
	testCases := []struct {
		role Role
		want string
	}{
		{RoleProducer, "producer"},
		{RoleObserver, "observer"},
		{Role(0), "unknown"},
	}
	for _, tc := range testCases {
		if got := tc.role.String(); got != tc.want {
			t.Errorf("Role(%d): got %s, want %s", tc.role, got, tc.want)
		}
	}
}
