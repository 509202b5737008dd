package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete bridge configuration
type Config struct {
	InstanceID      string          `yaml:"instance_id"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"` // Graceful shutdown bound (default: 5s)
	StatsInterval   time.Duration   `yaml:"stats_interval"`   // Periodic stats log interval (default: 10s, 0 disables)
	Ingest          IngestConfig    `yaml:"ingest"`
	Sink            SinkConfig      `yaml:"sink"`
	Broadcast       BroadcastConfig `yaml:"broadcast"`
	Results         ResultsConfig   `yaml:"results"`
	Detector        DetectorConfig  `yaml:"detector"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	API             APIConfig       `yaml:"api"`
	Capture         CaptureConfig   `yaml:"capture"`
}

// IngestConfig contains the frame producer listener settings
type IngestConfig struct {
	Addr            string        `yaml:"addr"`
	MaxFrameBytes   uint32        `yaml:"max_frame_bytes"`   // 0 = unbounded
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"` // 0 disables
	Decoder         string        `yaml:"decoder"`           // std, gocv
	MaxPixels       int           `yaml:"max_pixels"`        // width*height bound per decoded frame
}

// SinkConfig contains frame queue settings
type SinkConfig struct {
	Capacity       int           `yaml:"capacity"`
	ConsumeTimeout time.Duration `yaml:"consume_timeout"`
}

// BroadcastConfig contains the result subscriber listener settings
type BroadcastConfig struct {
	Addr         string        `yaml:"addr"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ResultsConfig controls result message construction
type ResultsConfig struct {
	MaxDetections    int `yaml:"max_detections"`
	CalibrationEvery int `yaml:"calibration_every"` // 0 disables the CAL box
}

// DetectorConfig selects and configures the detection backend
type DetectorConfig struct {
	Kind        string        `yaml:"kind"`    // mock, python
	Command     string        `yaml:"command"` // worker executable (python)
	Args        []string      `yaml:"args"`    // leading arguments, e.g. the worker script path
	Weights     string        `yaml:"weights"`
	Device      string        `yaml:"device"`
	ImgSz       int           `yaml:"imgsz"`
	Conf        float64       `yaml:"conf"`
	IoU         float64       `yaml:"iou"`
	PromptMode  string        `yaml:"prompt_mode"` // text, prompt_free
	Prompts     []string      `yaml:"prompts"`
	PromptsFile string        `yaml:"prompts_file"` // YAML file with a "text:" list
	Timeout     time.Duration `yaml:"timeout"`      // per-frame request timeout
}

// MQTTConfig contains MQTT broker settings. Empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string     `yaml:"broker"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Results string `yaml:"results"`
	Control string `yaml:"control"`
}

// APIConfig contains HTTP API settings. Empty addr disables the API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// CaptureConfig contains the optional RTSP camera source
type CaptureConfig struct {
	RTSPURL string `yaml:"rtsp_url"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
}

// PromptsFile is the layout of the prompts YAML file
type PromptsFile struct {
	Text []string `yaml:"text"`
}

// Default returns the configuration used when no file overrides a key
func Default() Config {
	return Config{
		InstanceID:      "yoloe-bridge",
		ShutdownTimeout: 5 * time.Second,
		StatsInterval:   10 * time.Second,
		Ingest: IngestConfig{
			Addr:          "127.0.0.1:5577",
			MaxFrameBytes: 16 << 20,
			Decoder:       "std",
			MaxPixels:     7680 * 4320,
		},
		Sink: SinkConfig{
			Capacity:       2,
			ConsumeTimeout: time.Second,
		},
		Broadcast: BroadcastConfig{
			Addr:         "127.0.0.1:5555",
			WriteTimeout: 250 * time.Millisecond,
		},
		Results: ResultsConfig{
			MaxDetections: 50,
		},
		Detector: DetectorConfig{
			Kind:       "mock",
			Command:    "python3",
			Weights:    "yoloe-11l-seg.pt",
			Device:     "cuda:0",
			ImgSz:      960,
			Conf:       0.25,
			IoU:        0.50,
			PromptMode: "text",
			Timeout:    2 * time.Second,
		},
		MQTT: MQTTConfig{
			QoS: 0,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Capture: CaptureConfig{
			Width:  640,
			Height: 480,
			FPS:    15,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
// An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.Detector.PromptsFile != "" && len(cfg.Detector.Prompts) == 0 {
		prompts, err := LoadPrompts(cfg.Detector.PromptsFile)
		if err != nil {
			return nil, err
		}
		cfg.Detector.Prompts = prompts
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadPrompts reads the "text:" list from a prompts file
func LoadPrompts(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	var pf PromptsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file: %w", err)
	}

	return pf.Text, nil
}
