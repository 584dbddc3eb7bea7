package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/tally/internal/engine"
	"github.com/marcus/tally/internal/output"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every collection to a JSON or YAML document",
	Example: `  tally export > backup.json
  tally export --format yaml -o backup.yaml`,
	GroupID: "data",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("output")
		if outPath != "" && !cmd.Flags().Changed("format") {
			format = formatFromPath(outPath, format)
		}

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		if outPath == "" || outPath == "-" {
			if err := eng.WriteExport(cmd.Context(), cmd.OutOrStdout(), format); err != nil {
				return fail(cmd, err)
			}
			return nil
		}
		if err := writeFileAtomic(outPath, func(w io.Writer) error {
			return eng.WriteExport(cmd.Context(), w, format)
		}); err != nil {
			return fail(cmd, err)
		}
		output.Success("EXPORTED %s", outPath)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file | ->",
	Short: "Replace the local dataset with an exported document",
	Long: `Clears every collection and loads the records of an export document (JSON or
YAML, detected automatically). Malformed records are skipped and reported.

Imported records are local only unless --replicate is set, in which case each
one is queued for delivery to the sync server.`,
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replicate, _ := cmd.Flags().GetBool("replicate")

		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fail(cmd, err)
			}
			defer f.Close()
			r = f
		}
		snap, err := engine.ReadSnapshot(r)
		if err != nil {
			return fail(cmd, err)
		}

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		res, err := eng.ImportAll(cmd.Context(), snap, engine.ImportOptions{Replicate: replicate})
		if err != nil {
			return fail(cmd, err)
		}

		if jsonOutput(cmd) {
			errs := make([]string, 0, len(res.Errors))
			for _, e := range res.Errors {
				errs = append(errs, e.Error())
			}
			return output.JSON(map[string]any{
				"imported":  res.Imported,
				"skipped":   res.Skipped,
				"errors":    errs,
				"replicate": replicate,
			})
		}
		output.Success("IMPORTED %d records", res.Imported)
		if res.Skipped > 0 {
			output.Warning("skipped %d malformed records", res.Skipped)
			for _, e := range res.Errors {
				fmt.Fprintln(os.Stderr, output.IndentString(e.Error(), 2))
			}
		}
		return nil
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete every record here and on the sync server",
	Long: `Deletes all local records, then every synced collection on the server, and
drops the mutation queue. Other devices keep their copies until they wipe too.

Asks for confirmation on a terminal; pass --yes otherwise.`,
	GroupID: "data",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			if !stdinIsTerminal() || jsonOutput(cmd) {
				return usageError(cmd, "refusing to wipe without confirmation; pass --yes")
			}
			target := "this device"
			if cfg.Sync.Enabled() {
				target = "this device and " + cfg.Sync.URL
			}
			err := huh.NewConfirm().
				Title("Delete ALL records on " + target + "?").
				Description("This cannot be undone. Export first if in doubt.").
				Affirmative("Wipe").
				Negative("Cancel").
				Value(&yes).
				Run()
			if err != nil && !errors.Is(err, huh.ErrUserAborted) {
				return fail(cmd, err)
			}
			if !yes {
				fmt.Println("Cancelled")
				return nil
			}
		}

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		err = eng.WipeAll(cmd.Context(), engine.WipeOptions{Confirmed: true})
		var we *engine.WipeError
		switch {
		case errors.As(err, &we):
			output.Warning("local data wiped, but some server collections were not")
			return fail(cmd, err)
		case err != nil:
			return fail(cmd, err)
		}
		if jsonOutput(cmd) {
			return output.JSON(map[string]bool{"wiped": true, "remote": cfg.Sync.Enabled()})
		}
		output.Success("WIPED")
		return nil
	},
}

// stdinIsTerminal gates the interactive wipe confirmation.
var stdinIsTerminal = func() bool { return output.IsTerminal(os.Stdin) }

// formatFromPath picks the export format from a file extension.
func formatFromPath(path, fallback string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return engine.FormatYAML
	case ".json":
		return engine.FormatJSON
	}
	return fallback
}

// writeFileAtomic writes via a temp file in the same directory, then renames.
func writeFileAtomic(path string, fn func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tally-export-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := fn(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func init() {
	exportCmd.Flags().String("format", engine.FormatJSON, "json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")
	importCmd.Flags().Bool("replicate", false, "queue every imported record for delivery to the server")
	wipeCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(exportCmd, importCmd, wipeCmd)
}
