package embeddings

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/nickcecere/imgrep/internal/config"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"
)

const (
	clipDim       = 512
	clipImageSize = 224
	clipMaxTokens = 77
	clipSOT       = 49406
	clipEOT       = 49407
)

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// DecodeImage decodes a JPEG, PNG, GIF or WebP image. The header is read
// first and images with more than maxPixels pixels are refused before any
// pixel memory is allocated; maxPixels <= 0 uses config.DefaultMaxPixels.
// Any failure wraps ErrDecode.
func DecodeImage(r io.Reader, maxPixels int64) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = config.DefaultMaxPixels
	}

	var head bytes.Buffer
	hdr, _, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	if px := int64(hdr.Width) * int64(hdr.Height); px > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d image exceeds the %d pixel limit", ErrDecode, hdr.Width, hdr.Height, maxPixels)
	}

	img, _, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return img, nil
}

// DecodeImageFile opens and decodes an image file.
func DecodeImageFile(path string, maxPixels int64) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer file.Close()

	return DecodeImage(file, maxPixels)
}

// Preprocess resizes the short side to 224 with Catmull-Rom and center-crops
// to 224x224, the input geometry of CLIP visual encoders.
func Preprocess(src image.Image) *image.RGBA {
	src = dropAlpha(src)
	sb := src.Bounds()

	sw := sb.Dx()
	sh := sb.Dy()

	var rw, rh int

	if sw < sh {
		rw = clipImageSize
		rh = int(float64(sh) * (float64(clipImageSize) / float64(sw)))
	} else {
		rh = clipImageSize
		rw = int(float64(sw) * (float64(clipImageSize) / float64(sh)))
	}

	// rounding can leave the long side one pixel short
	rw = max(rw, clipImageSize)
	rh = max(rh, clipImageSize)

	resized := image.NewRGBA(image.Rect(0, 0, rw, rh))
	xdraw.CatmullRom.Scale(resized, resized.Bounds(), src, sb, draw.Src, nil)

	offX := (rw - clipImageSize) / 2
	offY := (rh - clipImageSize) / 2

	crop := image.NewRGBA(image.Rect(0, 0, clipImageSize, clipImageSize))
	draw.Draw(crop, crop.Bounds(), resized, image.Point{X: offX, Y: offY}, draw.Src)

	return crop
}

// dropAlpha returns an opaque copy of src that keeps the straight
// (unpremultiplied) colour of every pixel and discards its alpha, so
// transparent regions keep their stored colour instead of turning black.
func dropAlpha(src image.Image) image.Image {
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return src
	}

	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}

// ToNCHW converts a preprocessed 224x224 image into a normalized
// [3,224,224] float tensor in channel-major order.
func ToNCHW(img *image.RGBA) []float32 {
	plane := clipImageSize * clipImageSize
	out := make([]float32, 3*plane)

	for y := 0; y < clipImageSize; y++ {
		for x := 0; x < clipImageSize; x++ {
			r, g, b, _ := img.At(x, y).RGBA()

			rf := float32(r) / 65535.0
			gf := float32(g) / 65535.0
			bf := float32(b) / 65535.0

			i := y*clipImageSize + x

			out[0*plane+i] = (rf - clipMean[0]) / clipStd[0]
			out[1*plane+i] = (gf - clipMean[1]) / clipStd[1]
			out[2*plane+i] = (bf - clipMean[2]) / clipStd[2]
		}
	}

	return out
}

// EncodeDataURI preprocesses an image and encodes it as a PNG data URI, the
// form remote embedding servers accept for image inputs.
func EncodeDataURI(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Preprocess(img)); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
