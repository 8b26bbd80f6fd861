// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/loca-ai/locavision/config"
	"github.com/spf13/cobra"
)

type logWriter struct {
	writer io.Writer
}

func (w *logWriter) Write(bytes []byte) (int, error) {
	return fmt.Fprintf(w.writer, "%s %s", time.Now().Format("2006-01-02 15:04:05"), string(bytes))
}

func init() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{writer: os.Stderr})
}

// global flags.
type rootOptions struct {
	EnvFile             string
	EnableHTTPTrace     bool
	EnableHTTPBodyTrace bool
}

var (
	rootFlags = &rootOptions{}

	// cfg is loaded once the .env file was read
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "locavision",
	Short: "monument discovery and visual similarity search",
	Long: `
locavision harvests monuments around geographic coordinates from Wikipedia,
copies their images into object storage and indexes them as a product set of
the Cloud Vision product search API, so that photos can be matched against
known monuments.
`,
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := godotenv.Load(rootFlags.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", rootFlags.EnvFile, err)
		}

		var err error

		cfg, err = config.FromEnv(userAgent())

		return err
	},
}

var Version = "dev"

func userAgent() string {
	return fmt.Sprintf("locavision/%s (+https://github.com/loca-ai/locavision)", Version)
}

func Execute(version string) {
	Version = version

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&rootFlags.EnvFile,
		"env-file",
		".env",
		"File with environment settings, ignored when missing",
	)
	rootCmd.PersistentFlags().BoolVar(
		&rootFlags.EnableHTTPTrace,
		"trace-http",
		false,
		"Display HTTP requests-responses",
	)
	rootCmd.PersistentFlags().BoolVar(
		&rootFlags.EnableHTTPBodyTrace,
		"trace-http-body",
		false,
		"Display HTTP requests-responses bodies",
	)
}
