package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/tally/internal/config"
	"github.com/marcus/tally/internal/output"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the local database, device identity and config file",
	Long: `Creates the data directory and its SQLite database, assigns this device a
stable identity and writes a config file with the current settings, unless one
already exists. Safe to run again.`,
	Example: `  tally init
  tally init --sync-url https://sync.example.com --tenant acme`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fail(cmd, err)
		}
		deviceID, err := config.DeviceID(cfg.DataDir)
		if err != nil {
			return fail(cmd, err)
		}

		// Opening runs the migrations.
		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		eng.Close()

		path := configPath()
		wrote, err := config.WriteDefault(path, *cfg)
		if err != nil {
			return fail(cmd, err)
		}

		if jsonOutput(cmd) {
			return output.JSON(map[string]any{
				"data_dir":       cfg.DataDir,
				"device_id":      deviceID,
				"config":         path,
				"config_written": wrote,
			})
		}
		fmt.Printf("INITIALIZED %s\n", cfg.DataDir)
		fmt.Printf("Device: %s\n", deviceID)
		if wrote {
			fmt.Printf("Config: %s\n", path)
		} else {
			output.Warning("%s already exists, left unchanged", path)
		}
		if !cfg.Sync.Enabled() {
			fmt.Println(dimStyle.Render("Local only. Set sync.url in the config file to replicate."))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print the version",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput(cmd) {
			return output.JSON(map[string]string{"version": version})
		}
		fmt.Printf("tally %s\n", version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd, versionCmd)
}
