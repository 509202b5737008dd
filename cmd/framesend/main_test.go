package main

import (
	"bytes"
	"context"
	"image/jpeg"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/framing"
)

func TestLoadImagesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"b.png":     "B",
		"a.JPG":     "A",
		"notes.txt": "skip",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	files, err := loadImages(dir)
	if err != nil {
		t.Fatalf("loadImages failed: %v", err)
	}
	if len(files) != 2 || string(files[0]) != "A" || string(files[1]) != "B" {
		t.Fatalf("Unexpected files: %q", files)
	}

	// Frames loop over the list
	if f, _ := files.Frame(3); string(f) != "B" {
		t.Errorf("Expected frame 3 to be B, got %q", f)
	}
}

func TestLoadImagesEmptyDir(t *testing.T) {
	if _, err := loadImages(t.TempDir()); err == nil {
		t.Errorf("Expected error for directory without images")
	}
}

func TestTestPatternIsJPEG(t *testing.T) {
	data, err := testPattern{width: 64, height: 48}.Frame(5)
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("not a jpeg: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Errorf("Expected 64x48, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestSendWritesFramedPayloads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan []byte, 3)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := framing.NewReader(conn, 0)
		for {
			p, err := r.Next()
			if err != nil {
				close(got)
				return
			}
			got <- p
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	files := imageFiles{[]byte("one"), []byte("two")}
	if sent := send(ctx, ln.Addr().String(), files, time.Millisecond, 3); sent != 3 {
		t.Fatalf("Expected 3 frames sent, got %d", sent)
	}

	want := []string{"one", "two", "one"}
	for i, w := range want {
		select {
		case p := <-got:
			if string(p) != w {
				t.Errorf("frame %d: expected %q, got %q", i, w, p)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}
