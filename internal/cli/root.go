package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/voxgate/voxgate/internal/cli.version=1.2.3"
	version = "1.4.0"
	logo    = "\n" +
		" __     __          ____       _\n" +
		" \\ \\   / /____  __ / ___| __ _| |_ ___\n" +
		"  \\ \\ / / _ \\ \\/ /| |  _ / _` | __/ _ \\\n" +
		"   \\ V / (_) >  < | |_| | (_| | ||  __/\n" +
		"    \\_/ \\___/_/\\_\\ \\____|\\__,_|\\__\\___|\n"
)

var rootCmd = &cobra.Command{
	Use:   "voxgate",
	Short: "VoxGate - Voice Assistant Telephone Gateway",
	Long:  color.CyanString(logo) + "\nA call-handling gateway that puts a voice assistant on the phone line.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(gatewayCmd)
}
