// Package throttle はカメラごとに検出の実行頻度を間引き、直前の結果を再利用する
package throttle

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"guardx/internal/detect"
)

// entry はカメラごとの間引き状態
type entry struct {
	mu      sync.Mutex
	counter int
	last    detect.Result
}

// Cache はカメラごとの間引き状態を保持する
type Cache struct {
	every   int
	resetAt int
	ttl     time.Duration

	entries *cache.Cache
	mu      sync.Mutex // 参照・作成のみを保護する
}

// New は新しいCacheを作成する
// every フレームごとに検出し、カウンタは resetThreshold 以上の every の倍数で0に戻る。
// idleTTL が正なら、その期間アクセスの無いエントリは破棄される。
func New(every, resetThreshold int, idleTTL time.Duration) *Cache {
	if every < 1 {
		every = 1
	}
	resetAt := ((resetThreshold + every - 1) / every) * every
	if resetAt < every {
		resetAt = every
	}

	var store *cache.Cache
	if idleTTL > 0 {
		store = cache.New(idleTTL, idleTTL/2)
	} else {
		store = cache.New(cache.NoExpiration, 0)
	}

	return &Cache{
		every:   every,
		resetAt: resetAt,
		ttl:     idleTTL,
		entries: store,
	}
}

// lookup はエントリを取得し、無ければ作成する。アクセスのたびに期限を延長する
func (c *Cache) lookup(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var e *entry
	if v, found := c.entries.Get(key); found {
		e = v.(*entry)
	} else {
		e = &entry{last: detect.Empty()}
	}
	c.entries.Set(key, e, cache.DefaultExpiration)
	return e
}

// ShouldRunDetection は次のフレームで検出を実行するかを返す。状態は変更しない
func (c *Cache) ShouldRunDetection(key string) bool {
	c.mu.Lock()
	v, found := c.entries.Get(key)
	c.mu.Unlock()
	if !found {
		return true
	}

	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter%c.every == 0
}

// GetOrUpdate はフレーム1枚分の結果を返す
// 検出するフレームでは compute を呼んで結果を更新し、それ以外は直前の結果を返す。
// 同じキーの呼び出しは順番に処理される。
func (c *Cache) GetOrUpdate(key string, compute func() detect.Result) (detect.Result, bool) {
	e := c.lookup(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := e.counter%c.every == 0
	if fresh {
		e.last = compute()
	}

	e.counter++
	if e.counter >= c.resetAt {
		e.counter = 0
	}

	return e.last.Clone(), fresh
}

// Forget はエントリを破棄する
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Delete(key)
}

// Len は期限切れでないエントリ数を返す
// ItemCount は掃除前の期限切れエントリも数えるため使わない
func (c *Cache) Len() int {
	return len(c.entries.Items())
}

// Every は間引き係数を返す
func (c *Cache) Every() int {
	return c.every
}
