// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config reads the worker configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string

	// Blob storage: "s3" or "fs".
	BlobBackend string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
	FSRoot      string

	WorkDir string
	APIPort string

	STTBaseURL        string
	STTAPIKey         string
	STTRequestsPerSec float64
	TranslateBaseURL  string
	TranslateAPIKey   string
	TranslateModel    string
	TranslateRPS      float64
	PublishBaseURL    string
	PublishAPIKey     string

	FFmpegImage       string
	FFmpegMemoryMB    int64
	FFmpegCPULimit    float64
	FFmpegIdleTimeout time.Duration

	LaneIngest    int
	LaneMedia     int
	LaneRender    int
	PublishPerMin float64

	PollInterval time.Duration
	StaleAfter   time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Load reads the environment. A missing .env file is fine in production;
// missing required values are not.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		BlobBackend:       envStr("BLOB_BACKEND", "fs"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3Bucket:          envStr("S3_BUCKET", "reelforge"),
		S3UseSSL:          envBool("S3_USE_SSL", true),
		FSRoot:            envStr("FS_ROOT", "/var/lib/reelforge/blob"),
		WorkDir:           envStr("WORK_DIR", "/var/lib/reelforge/work"),
		APIPort:           envStr("API_PORT", "8080"),
		STTBaseURL:        os.Getenv("STT_BASE_URL"),
		STTAPIKey:         os.Getenv("STT_API_KEY"),
		STTRequestsPerSec: envFloat("STT_RPS", 1),
		TranslateBaseURL:  os.Getenv("TRANSLATE_BASE_URL"),
		TranslateAPIKey:   os.Getenv("TRANSLATE_API_KEY"),
		TranslateModel:    envStr("TRANSLATE_MODEL", "gpt-4o-mini"),
		TranslateRPS:      envFloat("TRANSLATE_RPS", 2),
		PublishBaseURL:    os.Getenv("PUBLISH_BASE_URL"),
		PublishAPIKey:     os.Getenv("PUBLISH_API_KEY"),
		FFmpegImage:       envStr("FFMPEG_IMAGE", "linuxserver/ffmpeg:latest"),
		FFmpegMemoryMB:    int64(envInt("FFMPEG_MEMORY_MB", 2048)),
		FFmpegCPULimit:    envFloat("FFMPEG_CPU_LIMIT", 2),
		FFmpegIdleTimeout: envDuration("FFMPEG_IDLE_TIMEOUT", 10*time.Minute),
		LaneIngest:        envInt("LANE_INGEST", 4),
		LaneMedia:         envInt("LANE_MEDIA", 4),
		LaneRender:        envInt("LANE_RENDER", 1),
		PublishPerMin:     envFloat("PUBLISH_PER_MIN", 2),
		PollInterval:      envDuration("POLL_INTERVAL", 3*time.Second),
		StaleAfter:        envDuration("STALE_AFTER", 10*time.Minute),
		MaxAttempts:       envInt("MAX_ATTEMPTS", 3),
		BackoffBase:       envDuration("BACKOFF_BASE", 2*time.Second),
		BackoffCap:        envDuration("BACKOFF_CAP", 5*time.Minute),
	}

	user := os.Getenv("DB_USER")
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.DatabaseURL = url
	} else if user != "" {
		c.DatabaseURL = fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
			user, os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME"),
			envStr("DB_HOST", "localhost"), envStr("DB_PORT", "5432"),
			envStr("DB_SSLMODE", "require"))
	} else {
		return nil, fmt.Errorf("set DATABASE_URL or DB_USER/DB_PASSWORD/DB_NAME")
	}

	if c.BlobBackend == "s3" && c.S3Endpoint == "" {
		return nil, fmt.Errorf("BLOB_BACKEND=s3 requires S3_ENDPOINT")
	}
	return c, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
