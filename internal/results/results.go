// Package results turns raw detector output into the per-frame result message
// sent to subscribers.
package results

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// DefaultMaxDetections caps the detections list of a single message
const DefaultMaxDetections = 50

// calibrationInset is the border kept around the calibration box, in pixels
const calibrationInset = 10

// Options controls message construction
type Options struct {
	// MaxDetections caps the detections list, keeping the highest scores.
	// Zero or negative disables the cap.
	MaxDetections int
	// CalibrationEvery appends a full-frame "CAL" box every N frames (0 disables).
	// Subscribers use it to verify their overlay alignment.
	CalibrationEvery int
}

// Build assembles the result message for one processed frame.
// dets is not modified; the message owns its own slice.
func Build(frameID uint64, size types.ImageSize, dets []types.Detection, now time.Time, opts Options) types.ResultMessage {
	out := make([]types.Detection, 0, len(dets)+1)
	for _, d := range dets {
		d.DeriveWH()
		if d.Meta == nil {
			d.Meta = map[string]interface{}{}
		}
		out = append(out, d)
	}

	out = Truncate(out, opts.MaxDetections)

	if opts.CalibrationEvery > 0 && frameID%uint64(opts.CalibrationEvery) == 0 {
		out = append(out, calibrationBox(size))
	}

	return types.ResultMessage{
		FrameID:    frameID,
		TsMS:       now.UnixMilli(),
		ImageSize:  size,
		Detections: out,
	}
}

// Truncate keeps at most max detections, highest score first.
// When the list is within the cap its order is left untouched.
func Truncate(dets []types.Detection, max int) []types.Detection {
	if max <= 0 || len(dets) <= max {
		return dets
	}
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Score > dets[j].Score
	})
	return dets[:max]
}

func calibrationBox(size types.ImageSize) types.Detection {
	d := types.NewDetection(
		calibrationInset,
		calibrationInset,
		size.W-calibrationInset,
		size.H-calibrationInset,
		"CAL",
		1.0,
	)
	d.Meta["source"] = "calib"
	return d
}

// Encode serialises a message as one newline-terminated JSON line
func Encode(msg types.ResultMessage) ([]byte, error) {
	if msg.Detections == nil {
		msg.Detections = []types.Detection{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result message: %w", err)
	}
	return append(data, '\n'), nil
}
