package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/briefai/internal/brief"
	"github.com/kalambet/briefai/internal/config"
	"github.com/kalambet/briefai/internal/fanout"
	"github.com/kalambet/briefai/internal/resilience"
	"github.com/kalambet/briefai/internal/storage"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- brief ---

var briefCmd = &cobra.Command{
	Use:   "brief",
	Short: "Generate and manage content briefs",
}

var briefGenerateCmd = &cobra.Command{
	Use:   "generate <topic>",
	Short: "Generate a brief for a topic",
	Long: `Generate a brief for a topic.

Examples:
  briefai brief generate --user alice "cold brew coffee"
  briefai brief generate --user alice --fanout --hint bluebottlecoffee.com "pour over"
  briefai brief generate --user alice --async "espresso machines"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		hints, _ := cmd.Flags().GetStringSlice("hint")
		async, _ := cmd.Flags().GetBool("async")
		location, _ := cmd.Flags().GetInt("location")
		language, _ := cmd.Flags().GetString("language")

		req := map[string]any{
			"user_id": user,
			"topic":   strings.Join(args, " "),
			"async":   async,
		}
		if cmd.Flags().Changed("fanout") {
			fan, _ := cmd.Flags().GetBool("fanout")
			req["fanout"] = fan
		}
		if len(hints) > 0 {
			req["hints"] = hints
		}
		if location != 0 {
			req["location_code"] = location
		}
		if language != "" {
			req["language_code"] = language
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)

		if !async {
			printStep("Generating brief...")
		}
		resp, err := client.post(ctx, "/briefs", req)
		if err != nil {
			return err
		}

		if async {
			var queued map[string]string
			if err := decodeJSON(resp, &queued); err != nil {
				return err
			}
			printSuccess("Queued job %s", queued["job_id"])
			return nil
		}

		var b brief.Brief
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}
		printBriefSummary(b)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printBriefSummary(b brief.Brief) {
	if b.Degraded {
		printWarning("Brief %s is degraded (%s); no credits charged", b.ID, strings.Join(b.Failures, ", "))
	} else {
		printSuccess("Brief %s generated (%d credit charged)", b.ID, b.Charged)
	}
	printStatus("Title", "%s", b.Strategy.Title)
	printStatus("Sections", "%d", len(b.Strategy.Outline))
	printStatus("Competitors", "%d", len(b.Competitors))
	if b.FanOut != nil {
		printStatus("Fan-out", "%d/%d queries, %d unique results", b.FanOut.Succeeded, b.FanOut.Total, b.FanOut.UniqueCount)
	}
	if b.Cached {
		printStatus("Source", "cache")
	}
	printStatus("Share", "/share/%s", b.ShareID)
}

var briefShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a brief",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		b, err := fetchBrief(commandContext(cmd), args[0])
		if err != nil {
			return err
		}
		return writeBrief(os.Stdout, b, format)
	},
}

var briefListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent briefs",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/briefs?limit=%d", limit)
		if user != "" {
			path += "&user_id=" + url.QueryEscape(user)
		}
		resp, err := client.get(commandContext(cmd), path)
		if err != nil {
			return err
		}

		var list []brief.Brief
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No briefs found.")
			return nil
		}

		for _, b := range list {
			marker := ""
			if b.Degraded {
				marker = colorize(colorYellow, " (degraded)")
			}
			fmt.Printf("%s  %s  %-10s  %s%s\n",
				colorize(colorCyan, shortID(b.ID)),
				b.CreatedAt.Format(time.DateTime),
				b.UserID,
				b.Topic,
				marker,
			)
		}
		return nil
	},
}

var briefDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a brief",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/briefs/" + url.PathEscape(args[0])
		if user != "" {
			path += "?user_id=" + url.QueryEscape(user)
		}
		resp, err := client.delete(commandContext(cmd), path)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted brief %s", args[0])
		return nil
	},
}

var briefExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a brief as Markdown, YAML or JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		b, err := fetchBrief(commandContext(cmd), args[0])
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := writeBrief(w, b, format); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Brief exported to %s", output)
		}
		return nil
	},
}

func fetchBrief(ctx context.Context, id string) (brief.Brief, error) {
	client, err := newAPIClient()
	if err != nil {
		return brief.Brief{}, err
	}
	resp, err := client.get(ctx, "/briefs/"+url.PathEscape(id))
	if err != nil {
		return brief.Brief{}, err
	}
	var b brief.Brief
	if err := decodeJSON(resp, &b); err != nil {
		return brief.Brief{}, err
	}
	return b, nil
}

func writeBrief(w io.Writer, b brief.Brief, format string) error {
	switch format {
	case "", "json":
		return printJSON(w, b)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case "md", "markdown":
		_, err := io.WriteString(w, renderMarkdown(b))
		return err
	default:
		return fmt.Errorf("unknown format %q (want json, yaml or md)", format)
	}
}

func renderMarkdown(b brief.Brief) string {
	var sb strings.Builder
	s := b.Strategy

	fmt.Fprintf(&sb, "# %s\n\n", s.Title)
	fmt.Fprintf(&sb, "**Topic:** %s  \n", b.Topic)
	if s.MetaDescription != "" {
		fmt.Fprintf(&sb, "**Meta description:** %s  \n", s.MetaDescription)
	}
	if s.WordCount > 0 {
		fmt.Fprintf(&sb, "**Target length:** %d words  \n", s.WordCount)
	}
	if len(s.Keywords) > 0 {
		fmt.Fprintf(&sb, "**Keywords:** %s\n", strings.Join(s.Keywords, ", "))
	}

	if len(s.Outline) > 0 {
		sb.WriteString("\n## Outline\n\n")
		for _, sec := range s.Outline {
			fmt.Fprintf(&sb, "### %s\n\n", sec.Heading)
			for _, sub := range sec.Subheadings {
				fmt.Fprintf(&sb, "- %s\n", sub)
			}
			if sec.Notes != "" {
				fmt.Fprintf(&sb, "\n%s\n", sec.Notes)
			}
			sb.WriteString("\n")
		}
	}

	if len(s.FAQ) > 0 {
		sb.WriteString("## FAQ\n\n")
		for _, f := range s.FAQ {
			fmt.Fprintf(&sb, "**%s**\n\n%s\n\n", f.Question, f.Answer)
		}
	}

	if len(s.SchemaStrategy.Types) > 0 {
		fmt.Fprintf(&sb, "## Schema\n\n%s\n", strings.Join(s.SchemaStrategy.Types, ", "))
		if s.SchemaStrategy.Notes != "" {
			fmt.Fprintf(&sb, "\n%s\n", s.SchemaStrategy.Notes)
		}
		sb.WriteString("\n")
	}

	if len(b.Competitors) > 0 {
		sb.WriteString("## Competitors\n\n")
		for _, c := range b.Competitors {
			fmt.Fprintf(&sb, "%d. [%s](%s)\n", c.Position, c.Title, c.URL)
		}
	}
	return sb.String()
}

func init() {
	briefGenerateCmd.Flags().String("user", "", "account to charge (required)")
	briefGenerateCmd.Flags().Bool("fanout", false, "run the query fan-out (default from fanout.enabled)")
	briefGenerateCmd.Flags().StringSlice("hint", nil, "extra competitor domain (repeatable)")
	briefGenerateCmd.Flags().Bool("async", false, "queue the brief and return a job id")
	briefGenerateCmd.Flags().Int("location", 0, "DataForSEO location code")
	briefGenerateCmd.Flags().String("language", "", "DataForSEO language code")
	must(briefGenerateCmd.MarkFlagRequired("user"))

	briefShowCmd.Flags().String("format", "json", "output format: json, yaml or md")
	briefListCmd.Flags().String("user", "", "only list briefs of this user")
	briefListCmd.Flags().Int("limit", 20, "maximum number of briefs to list")
	briefDeleteCmd.Flags().String("user", "", "owner of the brief")
	briefExportCmd.Flags().String("format", "md", "output format: md, yaml or json")
	briefExportCmd.Flags().String("output", "", "output file path (default: stdout)")

	briefCmd.AddCommand(briefGenerateCmd)
	briefCmd.AddCommand(briefShowCmd)
	briefCmd.AddCommand(briefListCmd)
	briefCmd.AddCommand(briefDeleteCmd)
	briefCmd.AddCommand(briefExportCmd)
}

// --- fanout / expand ---

var fanoutCmd = &cobra.Command{
	Use:   "fanout <topic>",
	Short: "Run the query fan-out for a topic and show the merged report",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hints, _ := cmd.Flags().GetStringSlice("hint")
		maxQueries, _ := cmd.Flags().GetInt("max-queries")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(commandContext(cmd), "/fanout", map[string]any{
			"topic":  strings.Join(args, " "),
			"hints":  hints,
			"limits": fanout.Limits{MaxQueries: maxQueries},
		})
		if err != nil {
			return err
		}

		var run fanout.Run
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		for _, o := range run.Outcomes {
			status := colorize(colorGreen, "ok")
			switch {
			case o.Degraded:
				status = colorize(colorYellow, "open")
			case !o.Succeeded:
				status = colorize(colorRed, "fail")
			}
			fmt.Printf("%-4s  %-10s  %s\n", status, o.Item.Kind, o.Item.Text)
		}
		r := run.Report
		printStatus("Queries", "%d succeeded of %d in %d batches", r.Succeeded, r.Total, len(run.Batches))
		printStatus("Unique", "%d records", r.UniqueCount)
		return nil
	},
}

var expandCmd = &cobra.Command{
	Use:   "expand <topic>",
	Short: "Show the queries the fan-out would run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hints, _ := cmd.Flags().GetStringSlice("hint")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(commandContext(cmd), "/queries/expand", map[string]any{
			"topic": strings.Join(args, " "),
			"hints": hints,
		})
		if err != nil {
			return err
		}

		var result struct {
			Queries []fanout.QueryItem `json:"queries"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		for _, q := range result.Queries {
			fmt.Printf("%4.1f  %-10s  %s\n", q.Priority, q.Kind, q.Text)
		}
		return nil
	},
}

func init() {
	fanoutCmd.Flags().StringSlice("hint", nil, "competitor domain (repeatable)")
	fanoutCmd.Flags().Int("max-queries", 0, "cap on the number of queries")
	expandCmd.Flags().StringSlice("hint", nil, "competitor domain (repeatable)")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show the status of a queued brief",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var job struct {
			storage.Job
			Result struct {
				BriefID  string `json:"brief_id"`
				ShareID  string `json:"share_id"`
				Degraded bool   `json:"degraded"`
			} `json:"result"`
		}
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Status", "%s (attempt %d/%d)", job.Status, job.Attempts, job.MaxAttempts)
		if job.LastError != "" {
			printStatus("Last error", "%s", job.LastError)
		}
		if job.Result.BriefID != "" {
			printStatus("Brief", "%s", job.Result.BriefID)
			printStatus("Share", "/share/%s", job.Result.ShareID)
		}
		return nil
	},
}

// --- credits ---

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show or grant credits",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user>",
	Short: "Show a user's balance and recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/accounts/%s/credits?limit=%d", url.PathEscape(args[0]), limit)
		resp, err := client.get(commandContext(cmd), path)
		if err != nil {
			return err
		}

		var result struct {
			Balance   int                   `json:"balance"`
			BriefCost int                   `json:"brief_cost"`
			History   []storage.LedgerEntry `json:"history"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Balance", "%d credits (%d per brief)", result.Balance, result.BriefCost)
		for _, e := range result.History {
			fmt.Printf("  %s  %+4d  %4d  %s\n", e.CreatedAt.Format(time.DateTime), e.Delta, e.BalanceAfter, e.Reason)
		}
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user> <amount>",
	Short: "Add credits to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		amount, err := strconv.Atoi(args[1])
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/accounts/"+url.PathEscape(args[0])+"/credits", map[string]any{
			"amount": amount,
			"reason": reason,
		})
		if err != nil {
			return err
		}

		var entry storage.LedgerEntry
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}
		printSuccess("Granted %d credits to %s (balance %d)", entry.Delta, args[0], entry.BalanceAfter)
		return nil
	},
}

func init() {
	creditsBalanceCmd.Flags().Int("limit", 10, "number of ledger entries to show")
	creditsGrantCmd.Flags().String("reason", "grant", "ledger reason")
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsGrantCmd)
}

// --- referral ---

var referralCmd = &cobra.Command{
	Use:   "referral",
	Short: "Referral codes",
}

var referralCodeCmd = &cobra.Command{
	Use:   "code <user>",
	Short: "Show a user's referral code and who redeemed it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/accounts/"+url.PathEscape(args[0])+"/referral")
		if err != nil {
			return err
		}

		var result struct {
			Code      string             `json:"code"`
			Referrals []storage.Referral `json:"referrals"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printStatus("Code", "%s", colorize(colorBold, result.Code))
		printStatus("Referrals", "%d", len(result.Referrals))
		for _, r := range result.Referrals {
			fmt.Printf("  %s  %s  +%d\n", r.CreatedAt.Format(time.DateTime), r.RefereeID, r.Bonus)
		}
		return nil
	},
}

var referralRedeemCmd = &cobra.Command{
	Use:   "redeem <user> <code>",
	Short: "Redeem a referral code for a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/accounts/"+url.PathEscape(args[0])+"/referral/redeem", map[string]string{
			"code": args[1],
		})
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Redeemed: +%d credits (balance %d)", result["bonus"], result["balance"])
		return nil
	},
}

func init() {
	referralCmd.AddCommand(referralCodeCmd)
	referralCmd.AddCommand(referralRedeemCmd)
}

// --- cache / breakers ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or invalidate the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/cache")
		if err != nil {
			return err
		}
		var stats map[string]any
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		return printJSON(os.Stdout, stats)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Invalidate cache entries",
	Long: `Invalidate cache entries whose key matches --pattern (a regular
expression, or a plain substring when it does not compile), or every
entry with --all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, _ := cmd.Flags().GetString("pattern")
		all, _ := cmd.Flags().GetBool("all")
		if pattern == "" && !all {
			return fmt.Errorf("one of --pattern or --all is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/cache?pattern=" + url.QueryEscape(pattern)
		if all {
			path = "/cache?all=true"
		}
		resp, err := client.delete(commandContext(cmd), path)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if all {
			printSuccess("Cache cleared")
		} else {
			printSuccess("Removed %v entries", result["removed"])
		}
		return nil
	},
}

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show circuit breaker states",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/breakers")
		if err != nil {
			return err
		}
		var states []resilience.State
		if err := decodeJSON(resp, &states); err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("No breakers yet.")
			return nil
		}
		for _, s := range states {
			phase := s.Phase.String()
			if s.Phase != resilience.PhaseClosed {
				phase = colorize(colorYellow, phase)
			}
			fmt.Printf("%-20s  %-10s  failures=%d\n", s.Name, phase, s.ConsecutiveFailures)
		}
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().String("pattern", "", "key pattern to invalidate")
	cacheClearCmd.Flags().Bool("all", false, "remove every entry")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadLocal()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if k.FromEnv {
				line += colorize(colorDim, " (from "+k.EnvVar+")")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
