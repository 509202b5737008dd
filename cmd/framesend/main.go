// Command framesend streams images to the bridge ingest port and optionally
// prints the NDJSON results it gets back.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/framing"
)

const reconnectDelay = time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1:5577", "Bridge ingest address")
	dir := flag.String("dir", "", "Directory of .jpg/.png files to loop over (default: generated test pattern)")
	fps := flag.Float64("fps", 10, "Frames per second")
	width := flag.Int("width", 640, "Test pattern width")
	height := flag.Int("height", 480, "Test pattern height")
	count := flag.Int("count", 0, "Frames to send before exiting (0 = unlimited)")
	subscribe := flag.String("subscribe", "", "Result address to print NDJSON from, e.g. 127.0.0.1:5555")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if *fps <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --fps must be positive\n")
		os.Exit(1)
	}

	var source frameSource
	if *dir != "" {
		files, err := loadImages(*dir)
		if err != nil {
			slog.Error("failed to load images", "dir", *dir, "error", err)
			os.Exit(1)
		}
		source = files
		slog.Info("sending images", "dir", *dir, "count", len(files))
	} else {
		source = testPattern{width: *width, height: *height}
		slog.Info("sending test pattern", "width", *width, "height", *height)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *subscribe != "" {
		go printResults(ctx, *subscribe)
	}

	sent := send(ctx, *addr, source, time.Duration(float64(time.Second) / *fps), *count)
	slog.Info("framesend stopped", "frames_sent", sent)
}

// frameSource yields the encoded payload for frame i
type frameSource interface {
	Frame(i int) ([]byte, error)
}

// imageFiles loops over pre-encoded files
type imageFiles [][]byte

func (f imageFiles) Frame(i int) ([]byte, error) {
	return f[i%len(f)], nil
}

// loadImages reads every JPEG and PNG in dir in name order
func loadImages(dir string) (imageFiles, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no .jpg or .png files in %s", dir)
	}

	files := make(imageFiles, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files = append(files, data)
	}
	return files, nil
}

// testPattern renders a grey frame with a square sweeping left to right
type testPattern struct {
	width, height int
}

func (p testPattern) Frame(i int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	for j := 0; j < len(img.Pix); j += 4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = 64, 64, 64, 255
	}

	side := p.height / 4
	if side < 1 {
		side = 1
	}
	span := p.width - side
	if span < 1 {
		span = 1
	}
	x0 := (i * 8) % span
	y0 := (p.height - side) / 2
	orange := color.RGBA{R: 255, G: 140, A: 255}
	for y := y0; y < y0+side && y < p.height; y++ {
		for x := x0; x < x0+side && x < p.width; x++ {
			img.SetRGBA(x, y, orange)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// send writes frames at the given interval, reconnecting every second on
// failure. It returns the number of frames written.
func send(ctx context.Context, addr string, source frameSource, interval time.Duration, count int) int {
	sent := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		conn, err := (&net.Dialer{Timeout: 2 * time.Second}).DialContext(ctx, "tcp", addr)
		if err != nil {
			slog.Warn("connect failed, retrying", "addr", addr, "error", err)
			if !sleep(ctx, reconnectDelay) {
				return sent
			}
			continue
		}
		slog.Info("connected to bridge", "addr", addr)

		w := framing.NewWriter(conn)
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return sent
			case <-ticker.C:
			}

			payload, err := source.Frame(sent)
			if err != nil {
				slog.Error("failed to build frame", "error", err)
				conn.Close()
				return sent
			}

			if err := w.WriteFrame(payload); err != nil {
				slog.Warn("send failed, reconnecting", "error", err)
				conn.Close()
				break
			}
			sent++
			slog.Debug("frame sent", "n", sent, "bytes", len(payload))

			if count > 0 && sent >= count {
				conn.Close()
				return sent
			}
		}

		if !sleep(ctx, reconnectDelay) {
			return sent
		}
	}
	return sent
}

// printResults copies result lines to stdout, reconnecting on failure
func printResults(ctx context.Context, addr string) {
	for ctx.Err() == nil {
		conn, err := (&net.Dialer{Timeout: 2 * time.Second}).DialContext(ctx, "tcp", addr)
		if err != nil {
			slog.Warn("subscribe failed, retrying", "addr", addr, "error", err)
			if !sleep(ctx, reconnectDelay) {
				return
			}
			continue
		}
		stop := context.AfterFunc(ctx, func() { conn.Close() })

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		stop()
		conn.Close()
		slog.Warn("result stream closed", "addr", addr, "error", scanner.Err())

		if !sleep(ctx, reconnectDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
