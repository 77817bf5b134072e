// Package config handles configuration for the server component,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the opsvault server.
//
// Fields:
//   - HTTPAddr: bind address of the HTTP API.
//   - DatabasePath: canonical path of the SQLite structured-storage file.
//   - AttachmentsDir: root directory of uploaded attachments.
//   - WorkDir: scratch space for uploads, staged restores and assembled exports.
//   - SecretKey: HMAC secret for verifying JWTs (HS256). Do not use test defaults in prod.
//   - CloseTimeout: bounded wait for the storage handle to close during restore.
//   - MaxUploadSize: upper bound for uploaded restore archives, in bytes.
//   - S3*: optional off-site mirror for exported archives; disabled when S3Bucket is empty.
type Config struct {
	HTTPAddr       string
	DatabasePath   string
	AttachmentsDir string
	WorkDir        string
	SecretKey      string
	CloseTimeout   time.Duration
	MaxUploadSize  int64
	S3RootUser     string
	S3RootPassword string
	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
}

// LoadDefaults populates Config with development defaults.
// NOTE: SecretKey must be overridden in production.
func (c *Config) LoadDefaults() {
	c.HTTPAddr = ":8080"
	c.DatabasePath = "data/database.sqlite"
	c.AttachmentsDir = "data/uploads"
	c.WorkDir = "data/tmp"
	c.SecretKey = "secretKey"
	c.CloseTimeout = 5 * time.Second
	c.MaxUploadSize = 512 << 20
	c.S3Region = "us-east-1"
}

// MirrorEnabled reports whether exported archives should be copied to S3.
func (c *Config) MirrorEnabled() bool {
	return c.S3Bucket != ""
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
