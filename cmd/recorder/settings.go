package main

import (
	"time"

	"live-recorder/internal/capture"
	"live-recorder/internal/platform/config"
	"live-recorder/internal/recorder"
	"live-recorder/internal/shutdown"
)

// settings holds the process configuration read from the environment.
type settings struct {
	ConfigFile string
	OutputDir  string
	TempDir    string
	DBPath     string
	ListenAddr string
	LogLevel   string
	LogFormat  string

	StartDelay          time.Duration
	LaunchDelay         time.Duration
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int

	ShutdownGrace   time.Duration
	ShutdownTimeout time.Duration

	FFmpegPath      string
	FFmpegExtraArgs string
	RemuxTimeout    time.Duration
	StreamIdle      time.Duration

	WebhookURL       string
	ProxyURL         string
	TwitcastingUser  string
	TwitcastingToken string
}

func loadSettings() settings {
	return settings{
		ConfigFile: config.GetEnv("CONFIG_FILE", "targets.yaml"),
		OutputDir:  config.GetEnv("OUTPUT_DIR", "recordings"),
		TempDir:    config.GetEnv("TEMP_DIR", ""),
		DBPath:     config.GetEnv("DB_PATH", "data/recorder.sqlite"),
		ListenAddr: config.GetEnv("LISTEN_ADDR", ":8080"),
		LogLevel:   config.GetEnv("LOG_LEVEL", "info"),
		LogFormat:  config.GetEnv("LOG_FORMAT", "json"),

		StartDelay:          config.GetEnvDuration("PROBE_START_DELAY_MS", time.Millisecond, recorder.DefaultStartDelay),
		LaunchDelay:         config.GetEnvDuration("PROBE_LAUNCH_DELAY_MS", time.Millisecond, recorder.DefaultLaunchDelay),
		ProbeTimeout:        config.GetEnvDuration("PROBE_TIMEOUT_MS", time.Millisecond, recorder.DefaultProbeTimeout),
		MaxConcurrentProbes: config.GetEnvInt("MAX_CONCURRENT_PROBES", recorder.DefaultMaxConcurrentProbes),

		ShutdownGrace:   config.GetEnvDuration("SHUTDOWN_GRACE_MS", time.Millisecond, shutdown.DefaultGrace),
		ShutdownTimeout: config.GetEnvDuration("SHUTDOWN_TIMEOUT_MIN", time.Minute, shutdown.DefaultTimeout),

		FFmpegPath:      config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegExtraArgs: config.GetEnv("FFMPEG_EXTRA_ARGS", ""),
		RemuxTimeout:    config.GetEnvDuration("REMUX_TIMEOUT_MIN", time.Minute, capture.DefaultRemuxTimeout),
		StreamIdle:      config.GetEnvDuration("STREAM_IDLE_TIMEOUT_S", time.Second, capture.DefaultIdleTimeout),

		WebhookURL:       config.GetEnv("NOTIFY_WEBHOOK_URL", ""),
		ProxyURL:         config.GetEnv("PROXY_URL", ""),
		TwitcastingUser:  config.GetEnv("TWITCASTING_USERNAME", ""),
		TwitcastingToken: config.GetEnv("TWITCASTING_TOKEN", ""),
	}
}
