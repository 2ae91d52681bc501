// Command scorectl is the operator CLI for a scoreserver deployment.
//
// It communicates exclusively with the scoreserver admin API over HTTP and
// does not require direct access to the database or the ranking store.
//
// Usage:
//
//	scorectl [--server-addr <addr>] [--json] [--no-color] <command>
//
// Commands:
//
//	beatmap get <md5>                                     – resolve a beatmap
//	beatmap evict <md5>                                   – drop a beatmap from the cache
//	leaderboard <md5> [--mode m] [--type t] [--user id]   – show a beatmap leaderboard
//	stats <user-id> [--mode m]                            – show per-mode stats
//	user <user-id>                                        – show cached account fields
//	restrict <user-id> --reason <text>                    – restrict an account
//	replay <score-id> --user <u> --password-md5 <h>       – download a replay
//	status                                                – server health and caches
//	version                                               – print CLI version
//	completion bash|zsh|fish|powershell                   – shell completions
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/scorekeeper/pkg/client"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// version is set via -ldflags at build time (see Makefile).
var version = "0.1.0-alpha"

// serverAddr, jsonOutput and noColor are global flags inherited by all
// subcommands.
var (
	serverAddr string
	jsonOutput bool
	noColor    bool
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

// ── Root command ──────────────────────────────────────────────────────────────

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "scorectl",
		Short:        "scoreserver operator CLI",
		Long:         "Inspect and control a running score server.",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(
		&serverAddr,
		"server-addr",
		envOrDefault("SCOREKEEPER_SERVER", "http://localhost:8090"),
		"scoreserver HTTP address (env: SCOREKEEPER_SERVER)",
	)
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable coloured output")

	root.AddCommand(
		buildBeatmapCmd(),
		buildLeaderboardCmd(),
		buildStatsCmd(),
		buildUserCmd(),
		buildRestrictCmd(),
		buildReplayCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
		buildCompletionCmd(root),
	)
	return root
}

func newClient() *client.Client { return client.New(serverAddr) }

// ── beatmap ───────────────────────────────────────────────────────────────────

func buildBeatmapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beatmap",
		Short: "Inspect the beatmap cache",
	}
	cmd.AddCommand(buildBeatmapGetCmd(), buildBeatmapEvictCmd())
	return cmd
}

func buildBeatmapGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <md5>",
		Short: "Resolve a beatmap by content hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newClient().Beatmap(context.Background(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), b)
			}

			out := cmd.OutOrStdout()
			if b.Beatmap == nil {
				fmt.Fprintf(out, "%s: %s\n", args[0], outcomeColor(b.Outcome))
				return nil
			}
			bm := b.Beatmap
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "SONG\t%s\n", bm.SongName)
			fmt.Fprintf(tw, "ID\t%d (set %d)\n", bm.ID, bm.SetID)
			fmt.Fprintf(tw, "STATUS\t%s\n", bm.Status)
			fmt.Fprintf(tw, "OUTCOME\t%s\n", outcomeColor(b.Outcome))
			fmt.Fprintf(tw, "SOURCE\t%s\n", provenanceColor(b.Provenance))
			fmt.Fprintf(tw, "PLAYS\t%s (%s passed)\n", humanize.Comma(int64(bm.Playcount)), humanize.Comma(int64(bm.Passcount)))
			if !bm.LastChecked.IsZero() {
				fmt.Fprintf(tw, "CHECKED\t%s\n", humanize.Time(bm.LastChecked))
			}
			if bm.Frozen {
				fmt.Fprintf(tw, "FROZEN\tyes\n")
			}
			return tw.Flush()
		},
	}
}

func buildBeatmapEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <md5>",
		Short: "Drop a beatmap from the server cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().EvictBeatmap(context.Background(), args[0]); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"md5": args[0], "evicted": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", args[0])
			return nil
		},
	}
}

// ── leaderboard ───────────────────────────────────────────────────────────────

func buildLeaderboardCmd() *cobra.Command {
	var (
		q    client.LeaderboardQuery
		mods uint32
	)
	cmd := &cobra.Command{
		Use:   "leaderboard <md5>",
		Short: "Show a beatmap leaderboard",
		Example: `  scorectl leaderboard 1cf5b2c2edfafd055536d2cefcb89c0e
  scorectl leaderboard 1cf5b2c2edfafd055536d2cefcb89c0e --mode rx!std --type country --user 1000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Mods = types.Mods(mods)
			lb, err := newClient().Leaderboard(context.Background(), args[0], q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), lb)
			}

			out := cmd.OutOrStdout()
			if lb.Outcome != "found" {
				fmt.Fprintf(out, "%s: %s\n", args[0], outcomeColor(lb.Outcome))
				return nil
			}
			fmt.Fprintf(out, "%s [%s, board from %s]\n", lb.Beatmap.SongName, lb.Beatmap.Status, provenanceColor(lb.BoardProvenance))

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tPLAYER\tSCORE\tPP\tACC\tCOMBO\tMODS\tWHEN")
			for _, e := range lb.View.Entries {
				writeEntry(tw, e)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d shown\n", len(lb.View.Entries), lb.View.Total)
			if p := lb.View.Personal; p != nil {
				fmt.Fprintf(out, "personal best: #%d with %s\n", p.Rank, humanize.Comma(p.Score.Score))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.Mode, "mode", "", "Mode number (0-7) or name, e.g. vn!std, rx!taiko")
	cmd.Flags().StringVar(&q.Type, "type", "", "Leaderboard type: local|top|mod|friends|country")
	cmd.Flags().Uint32Var(&mods, "mods", 0, "Mod bitmask for --type mod")
	cmd.Flags().IntVar(&q.UserID, "user", 0, "Viewing user id")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum entries (0 = viewer's display limit)")
	return cmd
}

func writeEntry(w io.Writer, e client.Entry) {
	s := e.Score
	when := ""
	if !s.SubmittedAt.IsZero() {
		when = humanize.Time(s.SubmittedAt)
	}
	fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%.2f%%\t%dx\t%d\t%s\n",
		e.Rank, s.Username, humanize.Comma(s.Score), humanize.FormatFloat("#,###.##", s.PP),
		s.Accuracy, s.MaxCombo, s.Mods, when)
}

// ── stats ─────────────────────────────────────────────────────────────────────

func buildStatsCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Show a user's stats in one mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := newClient().Stats(context.Background(), id, mode)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "USER\t%d\n", st.UserID)
			fmt.Fprintf(tw, "MODE\t%s\n", st.Mode)
			rank := "unranked"
			if st.Rank > 0 {
				rank = "#" + humanize.Comma(int64(st.Rank))
			}
			fmt.Fprintf(tw, "RANK\t%s\n", rank)
			fmt.Fprintf(tw, "PP\t%s\n", humanize.FormatFloat("#,###.##", st.PP))
			fmt.Fprintf(tw, "ACCURACY\t%.2f%%\n", st.Accuracy)
			fmt.Fprintf(tw, "RANKED SCORE\t%s\n", humanize.Comma(st.RankedScore))
			fmt.Fprintf(tw, "TOTAL SCORE\t%s\n", humanize.Comma(st.TotalScore))
			fmt.Fprintf(tw, "PLAYCOUNT\t%s\n", humanize.Comma(int64(st.Playcount)))
			fmt.Fprintf(tw, "TOTAL HITS\t%s\n", humanize.Comma(int64(st.TotalHits)))
			fmt.Fprintf(tw, "MAX COMBO\t%dx\n", st.MaxCombo)
			fmt.Fprintf(tw, "REPLAYS WATCHED\t%s\n", humanize.Comma(int64(st.ReplaysWatched)))
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Mode number (0-7) or name, e.g. vn!std")
	return cmd
}

// ── user ──────────────────────────────────────────────────────────────────────

func buildUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user <user-id>",
		Short: "Show the cached account fields of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			u, err := newClient().User(context.Background(), id)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), u)
			}

			state := color.GreenString("public")
			if u.Restricted {
				state = color.RedString("restricted")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "USER\t%d\n", u.UserID)
			fmt.Fprintf(tw, "STATE\t%s\n", state)
			fmt.Fprintf(tw, "PRIVILEGES\t%d\n", u.Privileges)
			fmt.Fprintf(tw, "COUNTRY\t%s\n", u.Country)
			if u.ClanTag != "" {
				fmt.Fprintf(tw, "CLAN\t%s\n", u.ClanTag)
			}
			if len(u.Whitelist) > 0 {
				fmt.Fprintf(tw, "WHITELIST\t%v\n", u.Whitelist)
			}
			fmt.Fprintf(tw, "FRIENDS\t%d\n", len(u.Friends))
			return tw.Flush()
		},
	}
}

// ── restrict ──────────────────────────────────────────────────────────────────

func buildRestrictCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "restrict <user-id>",
		Short: "Restrict an account and remove it from the rankings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := newClient().Restrict(context.Background(), id, reason); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"user_id": id, "restricted": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d restricted\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit log (required)")
	return cmd
}

// ── replay ────────────────────────────────────────────────────────────────────

func buildReplayCmd() *cobra.Command {
	var (
		user   string
		pwMD5  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "replay <score-id>",
		Short: "Download the replay of a score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || pwMD5 == "" {
				return fmt.Errorf("--user and --password-md5 are required")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid score id %q", args[0])
			}
			data, err := newClient().Replay(context.Background(), user, pwMD5, id)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %q: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", output, humanize.Bytes(uint64(len(data))))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Viewing username (required)")
	cmd.Flags().StringVar(&pwMD5, "password-md5", "", "MD5 of the viewer's password (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (- for stdout)")
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

type statusOutput struct {
	Status  string               `json:"status"`
	Details string               `json:"details,omitempty"`
	Server  *client.ServerStatus `json:"server,omitempty"`
}

func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health, cache counters and upstream circuits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient()
			ctx := context.Background()

			health, healthErr := c.Status(ctx)
			var apiErr *client.APIError
			if healthErr != nil && !errors.As(healthErr, &apiErr) {
				return healthErr
			}
			out := statusOutput{Status: "OK"}
			if !health.Healthy {
				out.Status, out.Details = "DEGRADED", health.Details
			}
			if st, err := c.ServerStatus(ctx); err == nil {
				out.Server = &st
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				writeStatus(cmd.OutOrStdout(), out)
			}

			if !health.Healthy {
				return fmt.Errorf("scoreserver is degraded")
			}
			return nil
		},
	}
}

func writeStatus(w io.Writer, out statusOutput) {
	if out.Status == "OK" {
		fmt.Fprintln(w, color.GreenString("%s", out.Status))
	} else {
		fmt.Fprintln(w, color.RedString("%s", out.Status))
	}
	if out.Details != "" {
		fmt.Fprintln(w, out.Details)
	}
	st := out.Server
	if st == nil {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "INSTANCE\t%s (%s)\n", st.Instance, st.Version)
	fmt.Fprintf(tw, "UPTIME\t%s\n", st.Uptime().Round(time.Second))
	bc := st.BeatmapCache
	fmt.Fprintf(tw, "BEATMAP CACHE\t%s entries, %s hits, %s misses, %s evicted\n",
		humanize.Comma(int64(bc.Entries)), humanize.Comma(bc.Hits), humanize.Comma(bc.Misses),
		humanize.Comma(bc.Evictions+bc.Expired))

	names := make([]string, 0, len(st.Upstreams))
	for name := range st.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(tw, "UPSTREAM %s\t%s\n", name, circuitColor(st.Upstreams[name]))
	}
	_ = tw.Flush()
}

// ── version ───────────────────────────────────────────────────────────────────

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scorectl version",
		Run: func(cmd *cobra.Command, _ []string) {
			if jsonOutput {
				_ = printJSON(cmd.OutOrStdout(), map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "scorectl %s\n", version)
			}
		},
	}
}

// ── completion ────────────────────────────────────────────────────────────────

func buildCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		Args:      cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(os.Stdout)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			case "fish":
				return root.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return root.GenPowerShellCompletion(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s (bash|zsh|fish|powershell)", args[0])
			}
		},
	}
}

// ── Output helpers ────────────────────────────────────────────────────────────

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func provenanceColor(p types.Provenance) string {
	switch p {
	case types.ProvenanceCache:
		return color.GreenString("%s", p.String())
	case types.ProvenanceStore:
		return color.CyanString("%s", p.String())
	case types.ProvenanceExternal:
		return color.YellowString("%s", p.String())
	}
	return color.New(color.Faint).Sprint(p.String())
}

func outcomeColor(outcome string) string {
	switch outcome {
	case "found":
		return color.GreenString("%s", outcome)
	case "needs_update":
		return color.YellowString("%s", outcome)
	}
	return color.RedString("%s", outcome)
}

func circuitColor(state string) string {
	switch state {
	case "closed":
		return color.GreenString("%s", state)
	case "half-open":
		return color.YellowString("%s", state)
	}
	return color.RedString("%s", state)
}

// ── Misc ──────────────────────────────────────────────────────────────────────

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
