package throttle

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"

	"guardx/internal/detect"
)

func resultWithLabel(label string) detect.Result {
	return detect.NewResult([]detect.Detection{{Label: label, Confidence: 0.9}})
}

func TestGetOrUpdate_Decimation(t *testing.T) {
	c := New(5, 1000, 0)

	computed := 0
	var fresh []int
	for i := 0; i < 12; i++ {
		label := fmt.Sprintf("frame-%d", i)
		r, isFresh := c.GetOrUpdate("cam", func() detect.Result {
			computed++
			return resultWithLabel(label)
		})
		if isFresh {
			fresh = append(fresh, i)
		}

		// キャッシュ利用時は直前の検出結果と一致する
		wantIndex := (i / 5) * 5
		want := fmt.Sprintf("frame-%d", wantIndex)
		if r.Labels[0] != want {
			t.Errorf("frame %d: got %s, want %s", i, r.Labels[0], want)
		}
	}

	if computed != 3 {
		t.Errorf("検出回数: got %d, want 3", computed)
	}
	wantFresh := []int{0, 5, 10}
	if fmt.Sprint(fresh) != fmt.Sprint(wantFresh) {
		t.Errorf("検出したフレーム: got %v, want %v", fresh, wantFresh)
	}
}

func TestGetOrUpdate_ResetKeepsCadence(t *testing.T) {
	testCases := []struct {
		name      string
		every     int
		threshold int
	}{
		{"閾値が倍数", 5, 20},
		{"閾値が倍数でない", 5, 22},
		{"係数1", 1, 3},
		{"係数3", 3, 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.every, tc.threshold, 0)
			for i := 0; i < tc.threshold*4; i++ {
				_, fresh := c.GetOrUpdate("cam", detect.Empty)
				want := i%tc.every == 0
				if fresh != want {
					t.Fatalf("frame %d: fresh=%v, want %v", i, fresh, want)
				}
			}
		})
	}
}

func TestShouldRunDetection(t *testing.T) {
	c := New(3, 1000, 0)

	if !c.ShouldRunDetection("cam") {
		t.Error("新しいキーの最初のフレームは検出するべきです")
	}
	// 参照しても状態は変わらない
	if !c.ShouldRunDetection("cam") {
		t.Error("ShouldRunDetection が状態を変更しました")
	}

	c.GetOrUpdate("cam", detect.Empty)
	if c.ShouldRunDetection("cam") {
		t.Error("2フレーム目は検出しないはずです")
	}
}

func TestForget(t *testing.T) {
	c := New(5, 1000, 0)

	c.GetOrUpdate("cam", func() detect.Result { return resultWithLabel("old") })
	c.GetOrUpdate("cam", detect.Empty)
	if c.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", c.Len())
	}

	c.Forget("cam")
	if c.Len() != 0 {
		t.Fatalf("Forget 後の Len: got %d", c.Len())
	}

	// 再作成後は最初のフレームが必ず検出される
	r, fresh := c.GetOrUpdate("cam", func() detect.Result { return resultWithLabel("new") })
	if !fresh || r.Labels[0] != "new" {
		t.Errorf("再作成後: fresh=%v labels=%v", fresh, r.Labels)
	}
}

func TestIdleEviction(t *testing.T) {
	c := New(5, 1000, 50*time.Millisecond)
	c.GetOrUpdate("cam", detect.Empty)
	c.GetOrUpdate("cam", detect.Empty)

	time.Sleep(150 * time.Millisecond)

	if c.Len() != 0 {
		t.Errorf("アイドルなエントリが破棄されていません: %d", c.Len())
	}
	if !c.ShouldRunDetection("cam") {
		t.Error("破棄後の最初のフレームは検出するべきです")
	}
}

func TestIndependentKeys(t *testing.T) {
	c := New(5, 1000, 0)
	var wg sync.WaitGroup
	counts := make([]int, 4)

	for k := 0; k < 4; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := fmt.Sprintf("cam-%d", k)
			for i := 0; i < 50; i++ {
				c.GetOrUpdate(key, func() detect.Result {
					counts[k]++
					return detect.Empty()
				})
			}
		}(k)
	}
	wg.Wait()

	for k, n := range counts {
		if n != 10 {
			t.Errorf("cam-%d の検出回数: got %d, want 10", k, n)
		}
	}
}

func TestCachedResultIsCopy(t *testing.T) {
	c := New(5, 1000, 0)
	r, _ := c.GetOrUpdate("cam", func() detect.Result { return resultWithLabel("orig") })
	r.Labels[0] = "mutated"

	r2, _ := c.GetOrUpdate("cam", detect.Empty)
	if r2.Labels[0] != "orig" {
		t.Errorf("キャッシュが呼び出し側の変更の影響を受けました: %v", r2.Labels)
	}
}

func TestLen_ExcludesExpired(t *testing.T) {
	// 掃除ゴルーチン無しで期限切れエントリを残す
	c := New(5, 1000, 0)
	c.entries = cache.New(30*time.Millisecond, 0)

	c.GetOrUpdate("cam-1", detect.Empty)
	c.GetOrUpdate("cam-2", detect.Empty)
	if c.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", c.Len())
	}

	time.Sleep(60 * time.Millisecond)
	c.GetOrUpdate("cam-3", detect.Empty)

	if c.entries.ItemCount() != 3 {
		t.Fatalf("期限切れエントリが掃除されています: %d", c.entries.ItemCount())
	}
	if c.Len() != 1 {
		t.Errorf("Len: got %d, want 1", c.Len())
	}
}
