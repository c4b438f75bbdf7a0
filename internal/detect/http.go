package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/image/draw"
)

// ErrDetectorStatus は検出サービスが200以外を返したことを表す
var ErrDetectorStatus = errors.New("detector returned non-200 status")

// HTTPConfig はHTTP検出クライアントの設定
type HTTPConfig struct {
	Endpoint            string
	Timeout             time.Duration
	ConfidenceThreshold float64
	MaxWidth            int // 0 なら縮小しない
}

// HTTPDetector はmsgpackで画像を送る検出サービスのクライアント
type HTTPDetector struct {
	endpoint   string
	client     *http.Client
	confidence float64
	maxWidth   int
}

type detectRequest struct {
	FrameData  []byte  `msgpack:"frame_data"`
	Width      int     `msgpack:"width"`
	Height     int     `msgpack:"height"`
	Confidence float64 `msgpack:"confidence"`
}

type detectResponse struct {
	Detections []struct {
		Box        [4]float64 `msgpack:"box"`
		Label      string     `msgpack:"label"`
		Confidence float64    `msgpack:"confidence"`
	} `msgpack:"detections"`
}

// NewHTTPDetector は新しいHTTPDetectorを作成する
func NewHTTPDetector(cfg HTTPConfig) (*HTTPDetector, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("検出サービスのエンドポイントが未設定です")
	}
	return &HTTPDetector{
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: cfg.Timeout},
		confidence: cfg.ConfidenceThreshold,
		maxWidth:   cfg.MaxWidth,
	}, nil
}

// Detect は画像を検出サービスへ送り、元の座標系で結果を返す
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	scaled, scale := d.downscale(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("JPEG エンコードに失敗: %w", err)
	}

	bounds := scaled.Bounds()
	body, err := msgpack.Marshal(detectRequest{
		FrameData:  buf.Bytes(),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Confidence: d.confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("リクエストの符号化に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/msgpack")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("検出サービスへの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %d", ErrDetectorStatus, resp.StatusCode)
	}

	var out detectResponse
	if err := msgpack.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("レスポンスの復号に失敗: %w", err)
	}

	detections := make([]Detection, 0, len(out.Detections))
	for _, raw := range out.Detections {
		if raw.Confidence < d.confidence {
			continue
		}
		detections = append(detections, Detection{
			Box: Box{
				X1: int(raw.Box[0] / scale),
				Y1: int(raw.Box[1] / scale),
				X2: int(raw.Box[2] / scale),
				Y2: int(raw.Box[3] / scale),
			},
			Label:      raw.Label,
			Confidence: raw.Confidence,
		})
	}
	return detections, nil
}

// downscale は maxWidth を超える画像を縮小し、縮小率を返す
func (d *HTTPDetector) downscale(img image.Image) (image.Image, float64) {
	bounds := img.Bounds()
	if d.maxWidth <= 0 || bounds.Dx() <= d.maxWidth {
		return img, 1.0
	}

	scale := float64(d.maxWidth) / float64(bounds.Dx())
	height := int(float64(bounds.Dy()) * scale)
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, d.maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst, scale
}
