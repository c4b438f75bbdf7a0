package detect

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func newTestDetectorServer(t *testing.T, handler func(req detectRequest) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req detectRequest
		if err := msgpack.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("リクエストの復号に失敗: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := handler(req)
		w.WriteHeader(status)
		if body != nil {
			_ = msgpack.NewEncoder(w).Encode(body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDetector_ScalesAndFilters(t *testing.T) {
	srv := newTestDetectorServer(t, func(req detectRequest) (int, any) {
		if req.Width != 640 || req.Height != 360 {
			t.Errorf("縮小後のサイズ: got %dx%d, want 640x360", req.Width, req.Height)
		}
		if _, err := jpeg.Decode(bytes.NewReader(req.FrameData)); err != nil {
			t.Errorf("送信画像がJPEGではありません: %v", err)
		}
		return http.StatusOK, map[string]any{
			"detections": []map[string]any{
				{"box": []float64{10, 20, 30, 40}, "label": "Human", "confidence": 0.9},
				{"box": []float64{1, 1, 2, 2}, "label": "Human", "confidence": 0.1},
			},
		}
	})

	d, err := NewHTTPDetector(HTTPConfig{
		Endpoint:            srv.URL,
		Timeout:             time.Second,
		ConfidenceThreshold: 0.25,
		MaxWidth:            640,
	})
	if err != nil {
		t.Fatalf("NewHTTPDetector failed: %v", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	got, err := d.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("閾値未満が除外されていません: %+v", got)
	}
	want := Box{X1: 20, Y1: 40, X2: 60, Y2: 80}
	if got[0].Box != want {
		t.Errorf("元座標への変換: got %+v, want %+v", got[0].Box, want)
	}
	if got[0].Label != "Human" {
		t.Errorf("label: got %s", got[0].Label)
	}
}

func TestHTTPDetector_Status(t *testing.T) {
	srv := newTestDetectorServer(t, func(detectRequest) (int, any) {
		return http.StatusServiceUnavailable, nil
	})

	d, err := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPDetector failed: %v", err)
	}

	_, err = d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)))
	if !errors.Is(err, ErrDetectorStatus) {
		t.Fatalf("expected ErrDetectorStatus, got %v", err)
	}
}

func TestHTTPDetector_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d, err := NewHTTPDetector(HTTPConfig{Endpoint: srv.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTPDetector failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := d.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 16, 16))); err == nil {
		t.Fatal("タイムアウトでエラーが期待されました")
	}
}

func TestNewHTTPDetector_RequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPDetector(HTTPConfig{}); err == nil {
		t.Fatal("エンドポイント無しでエラーが期待されました")
	}
}

func TestResultRoundTrip(t *testing.T) {
	in := []Detection{
		{Box: Box{1, 2, 3, 4}, Label: "Human", Confidence: 0.5},
		{Box: Box{5, 6, 7, 8}, Label: "Vehicle", Confidence: 0.7},
	}
	r := NewResult(in)
	if r.Count != 2 {
		t.Fatalf("count: got %d", r.Count)
	}
	out := r.Detections()
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("detection %d: got %+v, want %+v", i, out[i], in[i])
		}
	}

	clone := r.Clone()
	clone.Labels[0] = "changed"
	if r.Labels[0] != "Human" {
		t.Error("Clone が元の結果と配列を共有しています")
	}
}
