// Package main implements the repoembed CLI: it reads a Markdown list of
// GitHub repositories, chunks their source files, embeds the chunks and
// upserts them into a vector index.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	secretsPath string
	logLevel    string

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repoembed",
	Short: "Embed GitHub repositories into a vector index",
	Long: `repoembed walks the GitHub repositories listed in a Markdown file, splits
their source files into token-bounded chunks, embeds the chunks and stores
the vectors with {repo, file_path, text, chunk} metadata in a vector index.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default: ./repoembed.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&secretsPath, "secrets", "", "TOML secrets file (overrides secrets.file)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(indexCmd)
}
