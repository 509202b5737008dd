package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "yoloe"

func counterFunc(name, help string, value func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, value)
}

func gaugeFunc(name, help string, value func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	}, value)
}

// newMetrics registers collectors that read the component counters at scrape
// time. Optional components are registered only when configured.
func (b *Bridge) newMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		counterFunc("sink_frames_pushed_total", "Frames accepted by the sink.",
			func() float64 { return float64(b.sink.Stats().Pushed) }),
		counterFunc("sink_frames_evicted_total", "Frames evicted by newer frames.",
			func() float64 { return float64(b.sink.Stats().Evicted) }),
		counterFunc("sink_frames_consumed_total", "Frames taken by the detector loop.",
			func() float64 { return float64(b.sink.Stats().Consumed) }),
		gaugeFunc("sink_depth", "Frames currently queued.",
			func() float64 { return float64(b.sink.Stats().Len) }),

		gaugeFunc("ingest_connections", "Connected frame producers.",
			func() float64 { return float64(b.ingest.Stats().Active) }),
		counterFunc("ingest_connections_total", "Accepted frame producer connections.",
			func() float64 { return float64(b.ingest.Stats().Accepted) }),
		counterFunc("ingest_frames_total", "Framed messages read from producers, decodable or not.",
			func() float64 { return float64(b.ingest.Stats().FramesReceived) }),
		counterFunc("ingest_bytes_total", "Payload bytes read from producers, excluding length headers.",
			func() float64 { return float64(b.ingest.Stats().BytesReceived) }),
		counterFunc("ingest_decode_errors_total", "Payloads that failed to decode.",
			func() float64 { return float64(b.ingest.Stats().DecodeErrors) }),
		counterFunc("ingest_oversize_total", "Connections closed for oversize frames.",
			func() float64 { return float64(b.ingest.Stats().Oversize) }),

		gaugeFunc("broadcast_subscribers", "Registered result subscribers.",
			func() float64 { return float64(b.broadcast.Stats().Subscribers) }),
		counterFunc("broadcast_messages_total", "Result messages broadcast.",
			func() float64 { return float64(b.broadcast.Stats().MessagesSent) }),
		counterFunc("broadcast_bytes_total", "Bytes written to subscribers.",
			func() float64 { return float64(b.broadcast.Stats().BytesSent) }),
		counterFunc("broadcast_subscribers_dropped_total", "Subscribers removed after a failed write.",
			func() float64 { return float64(b.broadcast.Stats().Dropped) }),

		counterFunc("frames_processed_total", "Frames that produced a result message.",
			func() float64 { return float64(b.processed.Load()) }),
		counterFunc("frames_skipped_total", "Frames consumed while paused.",
			func() float64 { return float64(b.skipped.Load()) }),
		counterFunc("detect_errors_total", "Frames skipped after a detector error.",
			func() float64 { return float64(b.detectErrors.Load()) }),
		gaugeFunc("paused", "1 while inference is paused.", func() float64 {
			if b.isPaused.Load() {
				return 1
			}
			return 0
		}),
	)

	detectorLabels := prometheus.Labels{"detector": b.detector.Name()}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "detector_timeouts_total",
			Help:        "Detector requests that timed out.",
			ConstLabels: detectorLabels,
		}, func() float64 { return float64(b.detector.Metrics().Timeouts) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "detector_latency_ms",
			Help:        "Average detector latency.",
			ConstLabels: detectorLabels,
		}, func() float64 { return b.detector.Metrics().AvgLatencyMS }),
	)

	if b.emitter != nil {
		reg.MustRegister(
			counterFunc("mqtt_published_total", "Results published to MQTT.",
				func() float64 { return float64(b.emitter.Stats().Published) }),
			counterFunc("mqtt_dropped_total", "Results dropped on a full MQTT queue.",
				func() float64 { return float64(b.emitter.Stats().Dropped) }),
		)
	}

	if b.capture != nil {
		reg.MustRegister(
			counterFunc("capture_frames_total", "Frames read from the RTSP source.",
				func() float64 { return float64(b.capture.Stats().FrameCount) }),
			counterFunc("capture_reconnects_total", "RTSP reconnect attempts.",
				func() float64 { return float64(b.capture.Stats().Reconnects) }),
		)
	}

	return reg
}
