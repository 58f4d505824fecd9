package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that reads and writes as "60s", "1m30s", ...
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\" or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

type Config struct {
	ListenPort     int               `json:"listen_port"`
	DownloadDir    string            `json:"download_dir"`
	DataDir        string            `json:"data_dir"`
	MaxConcurrent  int               `json:"max_concurrent"`
	GracePeriod    Duration          `json:"grace_period"`
	PollInterval   Duration          `json:"poll_interval"`
	MaxFileSize    int64             `json:"max_file_size"`
	YTDLPPath      string            `json:"ytdlp_path"`
	FFmpegPath     string            `json:"ffmpeg_path"`
	CookiesPath    string            `json:"cookies_path"`
	AllowedOrigins []string          `json:"allowed_origins"`
	SubmitRate     float64           `json:"submit_rate"`
	SubmitBurst    int               `json:"submit_burst"`
	Headers        map[string]string `json:"headers"`
	LogLevel       string            `json:"log_level"`
	LogFormat      string            `json:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenPort:    8000,
		DownloadDir:   "./downloads",
		DataDir:       "./data",
		MaxConcurrent: 2,
		GracePeriod:   Duration(60 * time.Second),
		PollInterval:  Duration(time.Second),
		MaxFileSize:   3 << 30,
		YTDLPPath:     "yt-dlp",
		FFmpegPath:    "ffmpeg",
		AllowedOrigins: []string{
			"http://localhost:5173",
		},
		SubmitRate:  2,
		SubmitBurst: 5,
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size must not be negative")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download_dir is required")
	}
	return nil
}
