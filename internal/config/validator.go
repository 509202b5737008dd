package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills derived defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}
	if cfg.StatsInterval < 0 {
		return fmt.Errorf("stats_interval must be >= 0")
	}

	// Ingest
	if cfg.Ingest.Addr == "" {
		return fmt.Errorf("ingest.addr is required")
	}
	if cfg.Ingest.ReadIdleTimeout < 0 {
		return fmt.Errorf("ingest.read_idle_timeout must be >= 0")
	}
	if cfg.Ingest.MaxPixels < 1 {
		return fmt.Errorf("ingest.max_pixels must be >= 1")
	}
	switch cfg.Ingest.Decoder {
	case "":
		cfg.Ingest.Decoder = "std"
	case "std", "gocv":
	default:
		return fmt.Errorf("ingest.decoder must be 'std' or 'gocv', got '%s'", cfg.Ingest.Decoder)
	}

	// Sink
	if cfg.Sink.Capacity < 1 {
		return fmt.Errorf("sink.capacity must be >= 1")
	}
	if cfg.Sink.ConsumeTimeout <= 0 {
		return fmt.Errorf("sink.consume_timeout must be > 0")
	}

	// Broadcast
	if cfg.Broadcast.Addr == "" {
		return fmt.Errorf("broadcast.addr is required")
	}
	if cfg.Broadcast.WriteTimeout <= 0 {
		return fmt.Errorf("broadcast.write_timeout must be > 0")
	}

	// Results
	if cfg.Results.MaxDetections < 1 {
		return fmt.Errorf("results.max_detections must be >= 1")
	}
	if cfg.Results.CalibrationEvery < 0 {
		return fmt.Errorf("results.calibration_every must be >= 0")
	}

	if err := validateDetector(&cfg.Detector); err != nil {
		return fmt.Errorf("detector validation failed: %w", err)
	}

	// MQTT is optional; topics default from instance_id once a broker is set
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = fmt.Sprintf("yoloe-%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Results == "" {
			cfg.MQTT.Topics.Results = fmt.Sprintf("yoloe/results/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("yoloe/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	// Capture is optional
	if cfg.Capture.RTSPURL != "" {
		if cfg.Capture.Width <= 0 || cfg.Capture.Height <= 0 {
			return fmt.Errorf("capture.width and capture.height must be > 0")
		}
		if cfg.Capture.FPS <= 0 {
			return fmt.Errorf("capture.fps must be > 0")
		}
	}

	return nil
}

func validateDetector(d *DetectorConfig) error {
	switch d.Kind {
	case "mock":
	case "python":
		if d.Command == "" {
			return fmt.Errorf("command is required for the python detector")
		}
	default:
		return fmt.Errorf("unknown kind '%s' (must be 'mock' or 'python')", d.Kind)
	}

	switch d.PromptMode {
	case "":
		d.PromptMode = "text"
	case "text", "prompt_free":
	default:
		return fmt.Errorf("prompt_mode must be 'text' or 'prompt_free', got '%s'", d.PromptMode)
	}

	if d.Conf < 0 || d.Conf > 1 {
		return fmt.Errorf("conf must be within [0, 1]")
	}
	if d.IoU < 0 || d.IoU > 1 {
		return fmt.Errorf("iou must be within [0, 1]")
	}
	if d.ImgSz <= 0 {
		return fmt.Errorf("imgsz must be > 0")
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}

	return nil
}
