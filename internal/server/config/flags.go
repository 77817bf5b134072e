package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   SQLite storage file path
//	-f string   attachments directory
//	-w string   work directory for temporary files
//	-s string   JWT HMAC secret key
//	-q int      storage handle close timeout, seconds
//	-m int      maximum restore upload size, MiB
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name (enables the export mirror)
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// os.Args is filtered with flagx.FilterArgs first so the -c/-config flag
// consumed by parseJson does not break parsing here.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-f", "-w", "-s", "-q", "-m", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.DatabasePath, "d", config.DatabasePath, "sqlite storage file")
	fs.StringVar(&config.AttachmentsDir, "f", config.AttachmentsDir, "attachments directory")
	fs.StringVar(&config.WorkDir, "w", config.WorkDir, "work directory")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	closeTimeout := fs.Int("q", int(config.CloseTimeout.Seconds()), "storage close timeout (in seconds)")
	maxUpload := fs.Int64("m", config.MaxUploadSize>>20, "max restore upload size (in MiB)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket for exported archives")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	// Only explicitly given unit-converted flags override, so a sub-second
	// close_timeout from JSON survives when -q is absent.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "q":
			config.CloseTimeout = time.Duration(*closeTimeout) * time.Second
		case "m":
			config.MaxUploadSize = *maxUpload << 20
		}
	})
}
