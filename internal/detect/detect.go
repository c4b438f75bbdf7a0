// Package detect は外部の物体検出機能とのインターフェースを定義する
package detect

import (
	"context"
	"image"
)

// Box はバウンディングボックス (x1, y1, x2, y2)
type Box struct {
	X1 int `json:"x1" msgpack:"x1"`
	Y1 int `json:"y1" msgpack:"y1"`
	X2 int `json:"x2" msgpack:"x2"`
	Y2 int `json:"y2" msgpack:"y2"`
}

// Detection は1件の検出結果
type Detection struct {
	Box        Box     `json:"box" msgpack:"box"`
	Label      string  `json:"label" msgpack:"label"`
	Confidence float64 `json:"confidence" msgpack:"confidence"` // [0,1]
}

// Result は1フレーム分の検出結果。配信形式に合わせて列ごとに持つ
type Result struct {
	Boxes       [][4]int  `json:"boxes" msgpack:"boxes"`
	Labels      []string  `json:"labels" msgpack:"labels"`
	Confidences []float64 `json:"confidences" msgpack:"confidences"`
	Count       int       `json:"count" msgpack:"count"`
}

// Empty は検出なしの結果を返す
func Empty() Result {
	return Result{
		Boxes:       [][4]int{},
		Labels:      []string{},
		Confidences: []float64{},
	}
}

// NewResult は検出リストから結果を組み立てる
func NewResult(detections []Detection) Result {
	r := Result{
		Boxes:       make([][4]int, 0, len(detections)),
		Labels:      make([]string, 0, len(detections)),
		Confidences: make([]float64, 0, len(detections)),
	}
	for _, d := range detections {
		r.Boxes = append(r.Boxes, [4]int{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2})
		r.Labels = append(r.Labels, d.Label)
		r.Confidences = append(r.Confidences, d.Confidence)
	}
	r.Count = len(r.Boxes)
	return r
}

// Detections は列形式から検出リストへ戻す
func (r Result) Detections() []Detection {
	out := make([]Detection, 0, len(r.Boxes))
	for i, b := range r.Boxes {
		d := Detection{Box: Box{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}, Label: "Unknown"}
		if i < len(r.Labels) {
			d.Label = r.Labels[i]
		}
		if i < len(r.Confidences) {
			d.Confidence = r.Confidences[i]
		}
		out = append(out, d)
	}
	return out
}

// Clone は結果のディープコピーを返す
func (r Result) Clone() Result {
	return Result{
		Boxes:       append([][4]int{}, r.Boxes...),
		Labels:      append([]string{}, r.Labels...),
		Confidences: append([]float64{}, r.Confidences...),
		Count:       r.Count,
	}
}

// Detector は画像から物体を検出する外部機能
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// DetectorFunc は関数をDetectorとして扱うアダプタ
type DetectorFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// Detect は f(ctx, img) を呼ぶ
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

// Nop は常に検出なしを返す。検出サービス未設定時に使う
type Nop struct{}

// Detect は空の結果を返す
func (Nop) Detect(context.Context, image.Image) ([]Detection, error) {
	return nil, nil
}
