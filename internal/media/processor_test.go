package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/masahif/catalogferry/internal/crawler"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	large := pngBytes(t, 1600, 400, color.NRGBA{R: 200, A: 255})
	transparent := pngBytes(t, 10, 10, color.NRGBA{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/large.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(large)
		case "/clear.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(transparent)
		case "/broken.jpg":
			_, _ = w.Write([]byte("not an image"))
		case "/empty.jpg":
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestProcessor(t *testing.T) (*Processor, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "media")
	p := NewProcessor(Config{Dir: dir, MaxWidth: 800, MaxHeight: 600, Quality: 85},
		crawler.NewHTTPClient("Test-Ferry/1.0", 5*time.Second))
	return p, dir
}

func TestFit(t *testing.T) {
	tests := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{1600, 1200, 800, 600, 800, 600},
		{1600, 400, 800, 600, 800, 200},
		{1000, 2000, 800, 600, 300, 600},
		{640, 480, 800, 600, 640, 480},
		{5000, 10, 800, 600, 800, 2},
		{900, 900, 0, 0, 900, 900},
	}

	for _, tt := range tests {
		w, h := Fit(tt.w, tt.h, tt.maxW, tt.maxH)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("Fit(%d, %d, %d, %d) = %dx%d, want %dx%d", tt.w, tt.h, tt.maxW, tt.maxH, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestFileNameIsStable(t *testing.T) {
	a := FileName("101", 2, "https://img.test/a.png")
	if a != FileName("101", 2, "https://img.test/a.png") {
		t.Error("FileName should be deterministic")
	}
	if !strings.HasPrefix(a, "101_2_") || !strings.HasSuffix(a, ".jpg") || len(a) != len("101_2_")+8+len(".jpg") {
		t.Errorf("unexpected file name %q", a)
	}
	if a == FileName("101", 2, "https://img.test/b.png") {
		t.Error("different references should get different names")
	}
}

func TestProcessBoundsAndEncodes(t *testing.T) {
	server := newMediaServer(t)
	p, dir := newTestProcessor(t)

	desc, err := p.Process(context.Background(), "101", 1, server.URL+"/large.png")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if filepath.Dir(desc.LocalPath) != dir || desc.Filename != filepath.Base(desc.LocalPath) {
		t.Errorf("unexpected location %q / %q", desc.LocalPath, desc.Filename)
	}

	data, err := os.ReadFile(desc.LocalPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if int64(len(data)) != desc.SizeBytes {
		t.Errorf("SizeBytes = %d, file has %d", desc.SizeBytes, len(data))
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	if cfg.Width != 800 || cfg.Height != 200 {
		t.Errorf("output size = %dx%d, want 800x200", cfg.Width, cfg.Height)
	}
}

func TestProcessFlattensTransparency(t *testing.T) {
	server := newMediaServer(t)
	p, _ := newTestProcessor(t)

	desc, err := p.Process(context.Background(), "7", 1, server.URL+"/clear.png")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	f, err := os.Open(desc.LocalPath)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	r, g, b, _ := img.At(5, 5).RGBA()
	if r>>8 < 250 || g>>8 < 250 || b>>8 < 250 {
		t.Errorf("transparent pixel should become white, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestProcessFailures(t *testing.T) {
	server := newMediaServer(t)

	tests := []struct {
		name string
		path string
		want func(error) bool
	}{
		{"not found", "/missing.png", func(err error) bool {
			var te *crawler.TransportError
			return errors.As(err, &te) && te.StatusCode == http.StatusNotFound
		}},
		{"undecodable", "/broken.jpg", func(err error) bool { return errors.Is(err, image.ErrFormat) }},
		{"empty body", "/empty.jpg", func(err error) bool { return errors.Is(err, ErrEmptyMedia) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, dir := newTestProcessor(t)
			_, err := p.Process(context.Background(), "9", 1, server.URL+tt.path)
			if err == nil || !tt.want(err) {
				t.Fatalf("Process error = %v", err)
			}

			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Errorf("failed media left files behind: %v", entries)
			}
		})
	}
}
