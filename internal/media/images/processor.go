// Package images provides decoding, thumbnailing, and placeholder hashing
// for the formats the library scanner accepts.
package images

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	"image/jpeg"   // Thumbnail output format
	_ "image/png"  // Register PNG decoder
	"mime"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ThumbnailMaxSize is the longest edge of generated thumbnails.
const ThumbnailMaxSize = 512

// thumbnailQuality is the JPEG quality for thumbnails. 85 keeps grid
// thumbnails visually clean at roughly a tenth of the original size.
const thumbnailQuality = 85

// imageExtensions is the set of file extensions the scanner treats as
// images. Everything else in a library directory is ignored.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// IsImagePath reports whether path has a recognized image extension.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// ContentType returns the MIME type for an image path, falling back to
// application/octet-stream for unknown extensions.
func ContentType(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Decode parses raw image bytes using the registered decoders.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Dimensions reads the pixel dimensions from raw image bytes without
// decoding the full image. Returns zeros on malformed data, callers treat
// dimensions as best-effort metadata.
func Dimensions(data []byte) (width, height int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// Thumbnail scales img down so its longest edge is at most
// ThumbnailMaxSize, keeping aspect ratio, and encodes it as JPEG. Images
// already small enough are re-encoded without scaling.
func Thumbnail(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("thumbnail: empty image")
	}

	dstW, dstH := srcW, srcH
	if srcW > ThumbnailMaxSize || srcH > ThumbnailMaxSize {
		if srcW >= srcH {
			dstW = ThumbnailMaxSize
			dstH = max(1, (srcH*ThumbnailMaxSize)/srcW)
		} else {
			dstH = ThumbnailMaxSize
			dstW = max(1, (srcW*ThumbnailMaxSize)/srcH)
		}
	}

	out := img
	if dstW != srcW || dstH != srcH {
		dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
