package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "openclaw-gateway",
	Short: "Chat platform gateway for an image generation backend",
	Long: `openclaw-gateway bridges chat platforms (Telegram, Discord, LINE,
WhatsApp, WeChat, Slack, Kakao) to an image generation backend. Inbound
messages are verified, rate limited, and parsed into commands; job results
are polled and delivered back to the originating channel.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
