package cmd

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/marcus/tally/internal/config"
	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/engine"
	"github.com/marcus/tally/internal/output"
	"github.com/marcus/tally/internal/queue"
)

var (
	pushArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("→") // green
	pullArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Render("←") // cyan
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and pull remote state once",
	Long: `Delivers the mutation queue to the sync server, then pulls and merges every
synced collection. Remote records only replace local ones that are older.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push-only")
		pullOnly, _ := cmd.Flags().GetBool("pull-only")
		if pushOnly && pullOnly {
			return usageError(cmd, "--push-only and --pull-only are exclusive")
		}
		if !cfg.Sync.Enabled() {
			return fail(cmd, engine.ErrNoRemote)
		}

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		result := syncResult{}
		if !pullOnly {
			res, err := eng.Flush(cmd.Context())
			if err != nil {
				return fail(cmd, err)
			}
			result.setPush(res)
		}
		if !pushOnly {
			stats, err := eng.Pull(cmd.Context())
			result.Pull = &pullResult{
				Inserted: stats.Inserted,
				Replaced: stats.Replaced,
				Deleted:  stats.Deleted,
				Kept:     stats.Kept,
				Skipped:  stats.Skipped,
			}
			if err != nil {
				result.Pull.Error = err.Error()
				printSyncResult(cmd, result)
				return &reportedError{err: err}
			}
		}

		printSyncResult(cmd, result)
		if result.Push != nil && result.Push.Error != "" {
			return &reportedError{err: errors.New(result.Push.Error)}
		}
		return nil
	},
}

type syncResult struct {
	Push *pushResult `json:"push,omitempty"`
	Pull *pullResult `json:"pull,omitempty"`
}

type pushResult struct {
	Sent      int    `json:"sent"`
	Remaining int    `json:"remaining"`
	FailedAt  string `json:"failed_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

type pullResult struct {
	Inserted int    `json:"inserted"`
	Replaced int    `json:"replaced"`
	Deleted  int    `json:"deleted"`
	Kept     int    `json:"kept"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
}

func (r *syncResult) setPush(res queue.DrainResult) {
	r.Push = &pushResult{Sent: res.Sent, Remaining: res.Remaining}
	if res.Err != nil {
		r.Push.Error = res.Err.Error()
	}
	if res.Failed != nil {
		r.Push.FailedAt = res.Failed.Collection + "/" + res.Failed.EntityID
	}
}

func printSyncResult(cmd *cobra.Command, r syncResult) {
	if jsonOutput(cmd) {
		output.JSON(r)
		return
	}
	if p := r.Push; p != nil {
		fmt.Printf("%s pushed %d", pushArrow, p.Sent)
		if p.Remaining > 0 {
			fmt.Printf(", %d still queued", p.Remaining)
		}
		fmt.Println()
		if p.Error != "" {
			output.Warning("push stopped at %s: %s", p.FailedAt, p.Error)
		}
	}
	if s := r.Pull; s != nil {
		fmt.Printf("%s pulled %d inserted, %d replaced, %d deleted", pullArrow, s.Inserted, s.Replaced, s.Deleted)
		fmt.Println(dimStyle.Render(fmt.Sprintf("  (%d kept, %d skipped)", s.Kept, s.Skipped)))
		if s.Error != "" {
			output.Warning("pull: %s", s.Error)
		}
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show connectivity, the mutation queue and recent sync activity",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		eng, err := openEngine(cmd.Context(), engineOptions{})
		if err != nil {
			return fail(cmd, err)
		}
		defer eng.Close()

		ctx := cmd.Context()
		st, err := eng.GetSyncStatus(ctx)
		if err != nil {
			return fail(cmd, err)
		}
		pending, err := eng.Queue().Pending(ctx, limit)
		if err != nil {
			return fail(cmd, err)
		}
		history, err := eng.Store().SyncHistoryTail(ctx, limit)
		if err != nil {
			return fail(cmd, err)
		}
		conflicts, err := eng.Store().RecentConflicts(ctx, limit)
		if err != nil {
			return fail(cmd, err)
		}

		if jsonOutput(cmd) {
			return output.JSON(map[string]any{
				"device_id":  eng.DeviceID(),
				"server":     cfg.Sync.URL,
				"offline":    cfg.Sync.Offline,
				"status":     st,
				"pending":    nonNil(pending),
				"history":    nonNil(history),
				"conflicts":  nonNil(conflicts),
				"configured": cfg.Sync.Enabled(),
			})
		}

		fmt.Printf("DEVICE: %s\n", eng.DeviceID())
		switch {
		case !cfg.Sync.Enabled():
			fmt.Println("SERVER: " + dimStyle.Render("not configured (local only)"))
		case cfg.Sync.Offline:
			fmt.Printf("SERVER: %s  %s\n", cfg.Sync.URL, output.FormatOnline(false)+dimStyle.Render(" (switched off)"))
		default:
			fmt.Printf("SERVER: %s  %s\n", cfg.Sync.URL, output.FormatOnline(st.IsOnline))
		}
		if st.LastSync != nil {
			fmt.Printf("LAST SYNC: %s\n", output.FormatTimeAgo(*st.LastSync))
		} else {
			fmt.Println("LAST SYNC: never")
		}

		fmt.Print(output.SectionHeader(fmt.Sprintf("Queue (%d)", st.QueueLength)))
		for _, m := range pending {
			fmt.Println(output.IndentString(output.FormatMutation(m), 2))
		}
		if st.QueueLength > len(pending) {
			fmt.Println(dimStyle.Render(fmt.Sprintf("  ... %d more", st.QueueLength-len(pending))))
		}

		if len(history) > 0 {
			fmt.Print(output.SectionHeader("Recent sync"))
			for _, h := range history {
				printHistoryEntry(h)
			}
		}
		if len(conflicts) > 0 {
			fmt.Print(output.SectionHeader("Overwritten local changes"))
			for _, c := range conflicts {
				fmt.Printf("  %s/%s  %s\n", c.Collection, c.EntityID, dimStyle.Render(output.FormatTimeAgo(c.DetectedAt)))
			}
		}
		return nil
	},
}

func printHistoryEntry(e db.SyncHistoryEntry) {
	arrow := pullArrow
	if e.Direction == "push" {
		arrow = pushArrow
	}
	fmt.Printf("  %s %-6s %s/%s  %s\n", arrow, e.Op, e.Collection, e.EntityID, dimStyle.Render(output.FormatTimeAgo(e.Timestamp)))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var onlineCmd = &cobra.Command{
	Use:     "online",
	Short:   "Turn replication on",
	Long:    `Clears the offline switch in the config file. A running "tally watch" picks it up immediately.`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOffline(cmd, false)
	},
}

var offlineCmd = &cobra.Command{
	Use:     "offline",
	Short:   "Turn replication off; changes keep queueing locally",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOffline(cmd, true)
	},
}

func setOffline(cmd *cobra.Command, offline bool) error {
	if err := config.SetOffline(configPath(), offline); err != nil {
		return fail(cmd, err)
	}
	cfg.Sync.Offline = offline
	if jsonOutput(cmd) {
		return output.JSON(map[string]bool{"offline": offline})
	}
	if offline {
		output.Success("OFFLINE: changes stay queued until \"tally online\"")
	} else {
		output.Success("ONLINE")
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("push-only", false, "only deliver the mutation queue")
	syncCmd.Flags().Bool("pull-only", false, "only pull remote state")
	statusCmd.Flags().IntP("limit", "n", 10, "entries shown per section")

	rootCmd.AddCommand(syncCmd, statusCmd, onlineCmd, offlineCmd)
}
