package types

// UnassignedID marks a detection that has not been associated with a track
const UnassignedID = -1

// Detection represents a single object detection in pixel coordinates
type Detection struct {
	ID       int                    `json:"id"`
	BBoxXYXY [4]int                 `json:"bbox_xyxy"`
	BBoxWH   [2]int                 `json:"bbox_wh"`
	Label    string                 `json:"label"`
	Score    float64                `json:"score"`
	Meta     map[string]interface{} `json:"meta"`
}

// NewDetection builds a detection from corner coordinates with derived width/height
func NewDetection(x1, y1, x2, y2 int, label string, score float64) Detection {
	d := Detection{
		ID:       UnassignedID,
		BBoxXYXY: [4]int{x1, y1, x2, y2},
		Label:    label,
		Score:    score,
		Meta:     map[string]interface{}{},
	}
	d.DeriveWH()
	return d
}

// DeriveWH recomputes BBoxWH from BBoxXYXY
func (d *Detection) DeriveWH() {
	d.BBoxWH = [2]int{d.BBoxXYXY[2] - d.BBoxXYXY[0], d.BBoxXYXY[3] - d.BBoxXYXY[1]}
}

// ImageSize is the frame size reported with each result
type ImageSize struct {
	W int `json:"w"`
	H int `json:"h"`
}

// ResultMessage is one processed frame as sent to subscribers (one JSON object per line)
type ResultMessage struct {
	FrameID    uint64      `json:"frame_id"`
	TsMS       int64       `json:"ts_ms"`
	ImageSize  ImageSize   `json:"image_size"`
	Detections []Detection `json:"detections"`
}
