package project

import (
	"bytes"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
)

const thumbnailSize = 64

// renderThumbnail draws a placeholder thumbnail whose color is derived from
// the project name.
func renderThumbnail(name string) ([]byte, error) {
	h := fnv.New32a()
	h.Write([]byte(name))
	sum := h.Sum32()
	fill := color.RGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 0xff}
	border := color.RGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, thumbnailSize, thumbnailSize))
	for y := 0; y < thumbnailSize; y++ {
		for x := 0; x < thumbnailSize; x++ {
			c := fill
			if x < 2 || y < 2 || x >= thumbnailSize-2 || y >= thumbnailSize-2 {
				c = border
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
