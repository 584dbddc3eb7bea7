package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/tally/internal/models"
	"github.com/marcus/tally/internal/output"
)

var createCmd = &cobra.Command{
	Use:     "create <collection> [field=value | field:=json ...]",
	Aliases: []string{"add", "new"},
	Short:   "Create a record",
	Long: `Create a record in a collection. Fields come from field=value arguments
(strings) and field:=json arguments (numbers, booleans, objects), optionally on
top of a JSON object given with --data.

Date fields accept shorthand: today, yesterday, tomorrow, now, +3d, -2w, +1m,
friday, next-monday, last-monday.`,
	Example: `  tally create clients name=Acme nationalId=42
  tally create receipts clientId=c1 amount:=150 date=yesterday
  tally create expenses --data @expense.json`,
	GroupID: "records",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]
		dataSrc, _ := cmd.Flags().GetString("data")
		fields, err := collectFields(dataSrc, cmd.InOrStdin(), args[1:])
		if err != nil {
			return usageError(cmd, err.Error())
		}
		if err := resolveDates(args[0], fields, time.Now()); err != nil {
			return usageError(cmd, err.Error())
		}

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		e, err := eng.CreateEntity(cmd.Context(), collection, fields)
		if err != nil {
			return fail(cmd, err)
		}
		if jsonOutput(cmd) {
			return output.JSON(e)
		}
		output.Success("CREATED %s/%s", collection, e.ID())
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <collection> <id> [field=value | field:=json ...]",
	Aliases: []string{"edit"},
	Short:   "Update a record",
	Long: `Update a record. The given fields are merged into the stored record unless
--replace is set, in which case they become the whole record.`,
	Example: `  tally update clients c1 phone=555-0100
  tally update tasks t7 done:=true --unset assigneeId`,
	GroupID: "records",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, id := args[0], args[1]
		dataSrc, _ := cmd.Flags().GetString("data")
		fields, err := collectFields(dataSrc, cmd.InOrStdin(), args[2:])
		if err != nil {
			return usageError(cmd, err.Error())
		}
		if err := resolveDates(args[0], fields, time.Now()); err != nil {
			return usageError(cmd, err.Error())
		}
		replace, _ := cmd.Flags().GetBool("replace")
		unset, _ := cmd.Flags().GetStringSlice("unset")

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		next := fields
		if !replace {
			current, err := eng.Get(cmd.Context(), collection, id)
			if err != nil {
				return fail(cmd, err)
			}
			next = current.Clone()
			for k, v := range fields {
				next[k] = v
			}
		}
		for _, k := range unset {
			delete(next, k)
		}
		next[models.FieldID] = id

		e, err := eng.UpdateEntity(cmd.Context(), collection, next)
		if err != nil {
			return fail(cmd, err)
		}
		if jsonOutput(cmd) {
			return output.JSON(e)
		}
		output.Success("UPDATED %s/%s", collection, id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>...",
	Aliases: []string{"rm"},
	Short:   "Delete records",
	GroupID: "records",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		var deleted []string
		var errs []error
		for _, id := range args[1:] {
			if err := eng.DeleteEntity(cmd.Context(), collection, id); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			deleted = append(deleted, id)
			if !jsonOutput(cmd) {
				output.Success("DELETED %s/%s", collection, id)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fail(cmd, err)
		}
		if jsonOutput(cmd) {
			return output.JSON(map[string]any{"collection": collection, "deleted": deleted})
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <collection> <id>",
	Aliases: []string{"get"},
	Short:   "Show one record",
	GroupID: "records",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		e, err := eng.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return fail(cmd, err)
		}
		if jsonOutput(cmd) {
			return output.JSON(e)
		}
		fmt.Print(output.FormatEntityLong(args[0], e))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	Aliases: []string{"ls"},
	Short:   "List records in a collection",
	Example: `  tally list clients
  tally list receipts --index clientId --key c1
  tally list tasks --index status --key open --limit 10`,
	GroupID: "records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]
		index, _ := cmd.Flags().GetString("index")
		key, _ := cmd.Flags().GetString("key")
		limit, _ := cmd.Flags().GetInt("limit")
		if (index == "") != (key == "") {
			return usageError(cmd, "--index and --key go together")
		}

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		var rows []models.Entity
		if index != "" {
			rows, err = eng.GetByIndex(cmd.Context(), collection, index, key)
		} else {
			rows, err = eng.GetAll(cmd.Context(), collection)
		}
		if err != nil {
			return fail(cmd, err)
		}
		if limit > 0 && len(rows) > limit {
			rows = rows[:limit]
		}

		if jsonOutput(cmd) {
			if rows == nil {
				rows = []models.Entity{}
			}
			return output.JSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No records")
			return nil
		}
		for _, e := range rows {
			fmt.Println(output.FormatEntityShort(e))
		}
		return nil
	},
}

var collectionsCmd = &cobra.Command{
	Use:     "collections",
	Short:   "List the known collections and their indexes",
	GroupID: "records",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		type collectionInfo struct {
			Name      string   `json:"name"`
			Count     int      `json:"count"`
			Indexes   []string `json:"indexes"`
			Unique    []string `json:"unique,omitempty"`
			LocalOnly bool     `json:"local_only,omitempty"`
		}
		var infos []collectionInfo
		for _, name := range models.Collections() {
			schema := models.MustLookup(name)
			n, err := eng.Store().Count(cmd.Context(), name)
			if err != nil {
				return fail(cmd, err)
			}
			info := collectionInfo{Name: name, Count: n, Indexes: []string{}, LocalOnly: schema.LocalOnly}
			for _, ix := range schema.Indexes {
				info.Indexes = append(info.Indexes, ix.Name)
				if ix.Unique {
					info.Unique = append(info.Unique, ix.Name)
				}
			}
			infos = append(infos, info)
		}

		if jsonOutput(cmd) {
			return output.JSON(infos)
		}
		for _, info := range infos {
			line := fmt.Sprintf("%-16s %5d", info.Name, info.Count)
			if len(info.Indexes) > 0 {
				line += "  [" + strings.Join(info.Indexes, ", ") + "]"
			}
			if info.LocalOnly {
				line += "  (local only)"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{createCmd, updateCmd} {
		c.Flags().String("data", "", "JSON object with the record's fields (inline, @file or - for stdin)")
	}
	updateCmd.Flags().Bool("replace", false, "replace the whole record instead of merging fields")
	updateCmd.Flags().StringSlice("unset", nil, "fields to remove")

	listCmd.Flags().String("index", "", "secondary index to query")
	listCmd.Flags().String("key", "", "index key to match")
	listCmd.Flags().IntP("limit", "n", 0, "show at most n records")

	rootCmd.AddCommand(createCmd, updateCmd, deleteCmd, showCmd, listCmd, collectionsCmd)
}
