//go:build !gst

package capture

func newRTSP(cfg Config, sink Pusher) (Source, error) {
	return nil, ErrUnavailable
}
