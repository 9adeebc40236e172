package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EricMeteorite/recall"
	"github.com/EricMeteorite/recall/pkg/engine"
	"github.com/EricMeteorite/recall/pkg/graph"
	"github.com/EricMeteorite/recall/pkg/logging"
	"github.com/EricMeteorite/recall/pkg/store"
)

var (
	dataRoot string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "CLI for the recall memory engine",
	Long:  `A command-line interface for ingesting, searching and inspecting a recall memory store.`,
}

func openEngine() (*engine.Engine, error) {
	logger := zap.NewNop()
	if verbose {
		l, err := logging.New(filepath.Join(dataRoot, "logs"), true)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	eng, err := recall.Open(dataRoot, recall.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open engine at %s: %w", dataRoot, err)
	}
	return eng, nil
}

var addCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Ingest one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		userID, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.Add(context.Background(), &engine.AddRequest{
			Content:   args[0],
			Role:      store.Role(role),
			UserID:    userID,
			SessionID: sessionID,
		})
		if err != nil {
			return fmt.Errorf("failed to add memory: %w", err)
		}
		if res.Merged {
			fmt.Printf("Merged into existing memory %s (mentions: %d)\n",
				res.MergedTo, res.Memory.MentionCount)
			return nil
		}
		fmt.Printf("Added memory %s\n", res.Memory.ID)
		for _, w := range res.Warnings {
			fmt.Printf("Warning: %s\n", w)
		}
		return nil
	},
}

var turnCmd = &cobra.Command{
	Use:   "turn <content>",
	Short: "Ingest one conversation turn with session sequencing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		userID, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			return fmt.Errorf("--session is required")
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.AddTurn(context.Background(), userID, sessionID, store.Role(role), args[0])
		if err != nil {
			return fmt.Errorf("failed to add turn: %w", err)
		}
		fmt.Printf("Turn %d recorded as %s\n", res.Memory.TurnSeq, res.Memory.ID)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories through the retrieval funnel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		asJSON, _ := cmd.Flags().GetBool("json")

		opts := engine.SearchOptions{TopK: topK}
		var err error
		if opts.From, err = parseTime(from); err != nil {
			return err
		}
		if opts.To, err = parseTime(to); err != nil {
			return err
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		out, err := eng.Search(context.Background(), args[0], opts)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if asJSON {
			return printJSON(out)
		}
		for _, w := range out.Warnings {
			fmt.Printf("Warning: %s\n", w)
		}
		if len(out.Hits) == 0 {
			fmt.Println("No results")
			return nil
		}
		for i, hit := range out.Hits {
			fmt.Printf("%2d. [%.4f] %s  %s\n", i+1, hit.Score, hit.Memory.ID, hit.Memory.Content)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch one memory by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		m, err := eng.Get(args[0])
		if err != nil {
			return fmt.Errorf("failed to get memory: %w", err)
		}
		return printJSON(m)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory and cascade to indexes and graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		physical, _ := cmd.Flags().GetBool("physical")
		mode := store.DeleteLogical
		if physical {
			mode = store.DeletePhysical
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.Delete(context.Background(), args[0], mode); err != nil {
			return fmt.Errorf("failed to delete memory: %w", err)
		}
		fmt.Printf("Deleted %s (%s)\n", args[0], mode)
		return nil
	},
}

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Build the prompt context block for a session and query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			return fmt.Errorf("--session is required")
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		text, err := eng.BuildContext(context.Background(), sessionID, args[0])
		if err != nil {
			return fmt.Errorf("failed to build context: %w", err)
		}
		fmt.Print(text)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine, store and graph counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		st, err := eng.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to gather stats: %w", err)
		}
		return printJSON(st)
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode",
	Short: "Show the effective mode and sub-switches",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		return printJSON(eng.Mode())
	},
}

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage absolute consistency rules",
}

var ruleAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Compile a natural-language absolute rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		rule, err := eng.CompileRule(args[0])
		if err != nil {
			return fmt.Errorf("failed to compile rule: %w", err)
		}
		fmt.Printf("Compiled rule %s (%s, %s)\n", rule.ID, rule.Kind, rule.Severity)
		return nil
	},
}

var ruleCheckCmd = &cobra.Command{
	Use:   "check <output>",
	Short: "Check an output against the compiled rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res := eng.CheckConsistency(args[0])
		if res.IsConsistent {
			fmt.Println("Consistent")
			return nil
		}
		for _, v := range res.Violations {
			fmt.Printf("[%s] %s: %s\n", v.Severity, v.RuleID, v.RuleText)
		}
		os.Exit(1)
		return nil
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List compiled rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		return printJSON(eng.Rules())
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect the knowledge graph",
}

var graphExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the graph as JSON or DOT",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := context.Background()
		switch format {
		case "dot":
			dot, err := eng.Graph().ExportDOT(ctx)
			if err != nil {
				return err
			}
			fmt.Print(dot)
		default:
			raw, err := eng.Graph().ExportJSON(ctx)
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
		}
		return nil
	},
}

var graphConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List detected contradictions",
	RunE: func(cmd *cobra.Command, args []string) error {
		pendingOnly, _ := cmd.Flags().GetBool("pending")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		out, err := eng.Contradictions(context.Background(), pendingOnly)
		if err != nil {
			return fmt.Errorf("failed to list contradictions: %w", err)
		}
		return printJSON(out)
	},
}

var graphResolveCmd = &cobra.Command{
	Use:   "resolve <contradiction-id>",
	Short: "Resolve a pending contradiction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		err = eng.ResolveContradiction(context.Background(), args[0], graph.Strategy(strategy))
		if err != nil {
			return fmt.Errorf("failed to resolve contradiction: %w", err)
		}
		fmt.Printf("Resolved %s with %s\n", args[0], strategy)
		return nil
	},
}

func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want YYYY-MM-DD): %w", s, err)
	}
	return t.UnixMilli(), nil
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataRoot, "data", "d", "./recall-data", "data root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	addCmd.Flags().String("role", "user", "memory role (user/assistant/system)")
	addCmd.Flags().String("user", "", "user id")
	addCmd.Flags().String("session", "", "session id")

	turnCmd.Flags().String("role", "user", "turn role (user/assistant/system)")
	turnCmd.Flags().String("user", "", "user id")
	turnCmd.Flags().String("session", "", "session id")

	searchCmd.Flags().Int("top-k", 0, "maximum hits (0 = configured default)")
	searchCmd.Flags().String("from", "", "creation window start (YYYY-MM-DD)")
	searchCmd.Flags().String("to", "", "creation window end (YYYY-MM-DD)")
	searchCmd.Flags().Bool("json", false, "print raw JSON")

	deleteCmd.Flags().Bool("physical", false, "physical delete instead of tombstone")

	contextCmd.Flags().String("session", "", "session id")

	graphExportCmd.Flags().String("format", "json", "export format (json/dot)")
	graphConflictsCmd.Flags().Bool("pending", false, "only unresolved contradictions")
	graphResolveCmd.Flags().String("strategy", "SUPERSEDE", "SUPERSEDE/COEXIST/REJECT")

	ruleCmd.AddCommand(ruleAddCmd, ruleCheckCmd, ruleListCmd)
	graphCmd.AddCommand(graphExportCmd, graphConflictsCmd, graphResolveCmd)
	rootCmd.AddCommand(addCmd, turnCmd, searchCmd, getCmd, deleteCmd,
		contextCmd, statsCmd, modeCmd, ruleCmd, graphCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
