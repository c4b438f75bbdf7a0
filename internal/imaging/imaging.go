// Package imaging はフレーム画像のデコード・注釈描画・JPEGエンコードを行う
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png" // PNGフレームのデコード用

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"guardx/internal/detect"
)

// ErrEmptyImage は空の入力を表す
var ErrEmptyImage = errors.New("image data is empty")

// ラベルごとの枠の色
var (
	colorHuman   = color.RGBA{R: 255, G: 255, A: 255} // 黄
	colorWeapon  = color.RGBA{R: 255, A: 255}         // 赤
	colorVehicle = color.RGBA{B: 255, A: 255}         // 青
	colorDefault = color.RGBA{G: 255, A: 255}         // 緑
)

const lineWidth = 2

// Decode はJPEG/PNGのバイト列を画像にデコードする
func Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("画像のデコードに失敗: %w", err)
	}
	return img, nil
}

// EncodeJPEG は画像を指定品質でJPEGにエンコードする
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("JPEGのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// LabelColor はラベルに対応する枠の色を返す
func LabelColor(label string) color.RGBA {
	switch label {
	case "Human":
		return colorHuman
	case "Weapon":
		return colorWeapon
	case "Vehicle":
		return colorVehicle
	default:
		return colorDefault
	}
}

// Annotate は検出結果の枠とラベルを描画した新しい画像を返す
// 元の画像は変更しない
func Annotate(src image.Image, detections []detect.Detection) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	for _, d := range detections {
		c := LabelColor(d.Label)
		rect := image.Rect(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		drawRect(dst, rect, c)
		drawLabel(dst, rect, fmt.Sprintf("%s %.2f", d.Label, d.Confidence), c)
	}
	return dst
}

// drawRect は矩形の枠線を描く
func drawRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	fill := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth),
		image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y),
		image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

// drawLabel は枠の左上にラベル文字列を描く
func drawLabel(dst *image.RGBA, r image.Rectangle, text string, c color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()

	// 枠の上に収まらない場合は枠の内側に置く
	top := r.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = r.Min.Y
	}
	bg := image.Rect(r.Min.X, top, r.Min.X+width+4, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, bg, image.NewUniform(c), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(r.Min.X+2, top+face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(text)
}
