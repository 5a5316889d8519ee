// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package camera

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

func isJPEG(b []byte) bool {
	return len(b) >= 2 && b[0] == jpegSOI[0] && b[1] == jpegSOI[1]
}

// firstJPEGFrame scans an MJPEG stream for the first complete SOI..EOI frame
// and returns it. Multipart boundaries between frames are skipped by the
// scan itself, so the part headers never need parsing.
func firstJPEGFrame(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)

	// Find the start-of-image marker.
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, &Error{Kind: KindInvalidImage, Err: fmt.Errorf("no JPEG frame in stream: %w", err)}
		}
		if b != 0xFF {
			continue
		}
		next, err := br.ReadByte()
		if err != nil {
			return nil, &Error{Kind: KindInvalidImage, Err: fmt.Errorf("no JPEG frame in stream: %w", err)}
		}
		if next == 0xD8 {
			break
		}
	}

	frame := bytes.NewBuffer(nil)
	frame.Write(jpegSOI)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, &Error{Kind: KindInvalidImage, Err: fmt.Errorf("truncated JPEG frame: %w", err)}
		}
		frame.WriteByte(b)
		if frame.Len() > maxImageBytes {
			return nil, &Error{Kind: KindInvalidImage, Err: errors.New("JPEG frame exceeds size cap")}
		}
		if b != 0xFF {
			continue
		}
		next, err := br.ReadByte()
		if err != nil {
			return nil, &Error{Kind: KindInvalidImage, Err: fmt.Errorf("truncated JPEG frame: %w", err)}
		}
		frame.WriteByte(next)
		if next == 0xD9 {
			return frame.Bytes(), nil
		}
	}
}

// rotateJPEG re-encodes the frame rotated clockwise by the given degrees.
// Re-encoding is permitted by the capture contract; downstream treats image
// bytes as opaque except for hashing.
func rotateJPEG(frame []byte, degrees int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("cannot decode frame for rotation: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var dst *image.RGBA
	switch degrees {
	case 90, 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	default:
		return nil, fmt.Errorf("unsupported rotation %d", degrees)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := src.At(bounds.Min.X+x, bounds.Min.Y+y)
			switch degrees {
			case 90:
				dst.Set(h-1-y, x, px)
			case 180:
				dst.Set(w-1-x, h-1-y, px)
			case 270:
				dst.Set(y, w-1-x, px)
			}
		}
	}

	out := bytes.NewBuffer(nil)
	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("cannot re-encode rotated frame: %w", err)
	}
	return out.Bytes(), nil
}
