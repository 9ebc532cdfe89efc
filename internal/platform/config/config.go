package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the float value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid number.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key (e.g. "5s", "250ms"), or fallback if the variable is unset, empty, or
// not a valid duration.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Settings is the server configuration read from the environment.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	FrameLogCapacity  int
	FailureThreshold  int
	StopGracePeriod   time.Duration
	OpenTimeout       time.Duration
	TargetFPS         float64
	ViewerPollTimeout time.Duration
	PushIdleTimeout   time.Duration

	JPEGQuality int
	FrameWidth  int
	FrameHeight int
	FFmpegPath  string

	InferenceURL     string
	InferenceTimeout time.Duration

	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string
}

// FromEnv reads Settings from the environment, applying defaults for unset keys.
// Call Load first to pick up a .env file.
func FromEnv() Settings {
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		FrameLogCapacity:  GetEnvInt("FRAME_LOG_CAPACITY", 10),
		FailureThreshold:  GetEnvInt("FAILURE_THRESHOLD", 5),
		StopGracePeriod:   GetEnvDuration("STOP_GRACE_PERIOD", 5*time.Second),
		OpenTimeout:       GetEnvDuration("OPEN_TIMEOUT", 10*time.Second),
		TargetFPS:         GetEnvFloat("TARGET_FPS", 30),
		ViewerPollTimeout: GetEnvDuration("VIEWER_POLL_TIMEOUT", time.Second),
		PushIdleTimeout:   GetEnvDuration("PUSH_IDLE_TIMEOUT", 30*time.Second),

		JPEGQuality: GetEnvInt("JPEG_QUALITY", 80),
		FrameWidth:  GetEnvInt("FRAME_WIDTH", 640),
		FrameHeight: GetEnvInt("FRAME_HEIGHT", 480),
		FFmpegPath:  GetEnv("FFMPEG_PATH", "ffmpeg"),

		InferenceURL:     GetEnv("INFERENCE_URL", ""),
		InferenceTimeout: GetEnvDuration("INFERENCE_TIMEOUT", 2*time.Second),

		MQTTBroker:      GetEnv("MQTT_BROKER", ""),
		MQTTTopicPrefix: GetEnv("MQTT_TOPIC_PREFIX", "frames/detections"),
		MQTTClientID:    GetEnv("MQTT_CLIENT_ID", "frame-orchestrator"),
	}
}
