package imagery

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
)

// rotatedJPEGQuality is used when an oblique tile has to be re-encoded
const rotatedJPEGQuality = 95

// Rotate returns img turned counter-clockwise by degrees (0, 90, 180 or 270)
func Rotate(img image.Image, degrees int) image.Image {
	degrees = ((degrees % 360) + 360) % 360
	if degrees == 0 {
		return img
	}

	b := img.Bounds()
	src := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)
	w, h := b.Dx(), b.Dy()

	var dst *image.NRGBA
	if degrees == 180 {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.NRGBAAt(x, y)
			switch degrees {
			case 90:
				dst.SetNRGBA(y, w-1-x, c)
			case 180:
				dst.SetNRGBA(w-1-x, h-1-y, c)
			case 270:
				dst.SetNRGBA(h-1-y, x, c)
			}
		}
	}
	return dst
}

// RotateEncoded decodes a JPEG or PNG tile, rotates it and re-encodes it in
// the same format
func RotateEncoded(data []byte, degrees int) ([]byte, error) {
	if ((degrees%360)+360)%360 == 0 {
		return data, nil
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tile for rotation: %w", err)
	}

	var buf bytes.Buffer
	rotated := Rotate(img, degrees)
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, rotated, &jpeg.Options{Quality: rotatedJPEGQuality})
	case "png":
		err = png.Encode(&buf, rotated)
	default:
		return nil, fmt.Errorf("cannot rotate %s tile", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode rotated tile: %w", err)
	}
	return buf.Bytes(), nil
}
