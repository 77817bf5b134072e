package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/opsvault/internal/flagx"
	"github.com/dmitrijs2005/opsvault/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations accept both
// "5s" and integer nanoseconds. Only keys present in the file override the
// current values.
type JsonConfig struct {
	HTTPAddr       *string         `json:"http_addr"`
	DatabasePath   *string         `json:"database_path"`
	AttachmentsDir *string         `json:"attachments_dir"`
	WorkDir        *string         `json:"work_dir"`
	SecretKey      *string         `json:"secret_key"`
	CloseTimeout   *timex.Duration `json:"close_timeout"`
	MaxUploadSize  *int64          `json:"max_upload_size"`
	S3RootUser     *string         `json:"s3_root_user"`
	S3RootPassword *string         `json:"s3_root_password"`
	S3Bucket       *string         `json:"s3_bucket"`
	S3Region       *string         `json:"s3_region"`
	S3BaseEndpoint *string         `json:"s3_base_endpoint"`
}

// parseJson overlays values from the file named by -c/-config onto config.
// Nothing happens when no file is given. An unreadable file or invalid JSON
// panics: a misconfigured server must not start.
func parseJson(config *Config) {
	path := flagx.ConfigPath()
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.DatabasePath, c.DatabasePath)
	setString(&config.AttachmentsDir, c.AttachmentsDir)
	setString(&config.WorkDir, c.WorkDir)
	setString(&config.SecretKey, c.SecretKey)
	if c.CloseTimeout != nil {
		config.CloseTimeout = c.CloseTimeout.Duration
	}
	if c.MaxUploadSize != nil {
		config.MaxUploadSize = *c.MaxUploadSize
	}
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
