package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/browserbridge/pkg/browser"
)

const defaultJPEGQuality = 80

type screenshotParams struct {
	TabID    string `json:"tab_id,omitempty"`
	Format   string `json:"format,omitempty"`
	Quality  int    `json:"quality,omitempty"`
	MaxWidth int    `json:"max_width,omitempty"`
}

// Screenshot captures the visible area of the foreground tab (or tab_id).
// Privileged tabs are rejected rather than captured as empty images.
func (s *Service) Screenshot(ctx context.Context, raw json.RawMessage) (any, error) {
	var p screenshotParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	format, err := normalizeFormat(p.Format)
	if err != nil {
		return nil, err
	}
	if p.Quality < 0 || p.Quality > 100 {
		return nil, invalidParams("quality must be within 0..100")
	}
	if p.MaxWidth < 0 {
		return nil, invalidParams("max_width must not be negative")
	}
	quality := p.Quality
	if quality == 0 {
		quality = defaultJPEGQuality
	}

	tab, err := s.host.Tab(ctx, p.TabID)
	if err != nil {
		return nil, err
	}
	if browser.IsPrivileged(tab.URL) {
		return nil, restricted("cannot capture privileged page %s", tab.URL)
	}

	c, err := s.host.CaptureVisible(ctx, tab.ID, format, quality)
	if err != nil {
		return nil, err
	}

	data, width, height, err := fitImage(c.Data, c.Format, p.MaxWidth, quality)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"screenshot": "data:image/" + c.Format + ";base64," + base64.StdEncoding.EncodeToString(data),
		"tab_id":     c.Tab.ID,
		"url":        c.Tab.URL,
		"format":     c.Format,
		"width":      width,
		"height":     height,
	}, nil
}

func normalizeFormat(f string) (string, error) {
	switch strings.ToLower(f) {
	case "", "png":
		return "png", nil
	case "jpeg", "jpg":
		return "jpeg", nil
	}
	return "", invalidParams("unsupported format %q", f)
}

// fitImage downscales data to maxWidth (keeping aspect ratio) when it is
// wider, re-encoding in the same format. It returns the final dimensions.
func fitImage(data []byte, format string, maxWidth, quality int) ([]byte, int, int, error) {
	cfg, err := decodeConfig(data, format)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode screenshot: %w", err)
	}
	if maxWidth == 0 || cfg.Width <= maxWidth {
		return data, cfg.Width, cfg.Height, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode screenshot: %w", err)
	}
	img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if format == "jpeg" {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	} else {
		err = imaging.Encode(&buf, img, imaging.PNG)
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode screenshot: %w", err)
	}
	b := img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

func decodeConfig(data []byte, format string) (image.Config, error) {
	if format == "jpeg" {
		return jpeg.DecodeConfig(bytes.NewReader(data))
	}
	return png.DecodeConfig(bytes.NewReader(data))
}
