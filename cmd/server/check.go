package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"videovault/internal/ytdlp"
)

var checkJSON bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether yt-dlp and ffmpeg are available",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		report := ytdlp.DependencyStatus(ctx, cfg.YTDLPPath, cfg.FFmpegPath)
		if checkJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		fmt.Printf("yt-dlp: %s\n", found(report.YTDLPFound, report.YTDLPPath, report.YTDLPVersion))
		fmt.Printf("ffmpeg: %s\n", found(report.FFmpegFound, report.FFmpegPath, ""))
		if !report.YTDLPFound {
			return fmt.Errorf("yt-dlp is required")
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(checkCmd)
}

func found(ok bool, path, version string) string {
	if !ok {
		return "not found"
	}
	if version != "" {
		return fmt.Sprintf("%s (%s)", path, version)
	}
	return path
}
