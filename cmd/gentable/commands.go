package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/gentable/internal/config"
)

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or set configuration values",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			printStatus(info.Key, "%s (env: %s)", info.Value, info.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key in the platform backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration key so the default applies",
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

// --- tables ---

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/tables"
		if kind != "" {
			path += "?kind=" + url.QueryEscape(kind)
		}
		resp, err := client.get(context.Background(), path)
		if err != nil {
			return err
		}

		var list struct {
			Data []struct {
				ID   string `json:"id"`
				Kind string `json:"kind"`
				Cols []struct {
					ID string `json:"id"`
				} `json:"cols"`
			} `json:"data"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list.Data) == 0 {
			fmt.Println("No tables found.")
			return nil
		}
		for _, t := range list.Data {
			cols := make([]string, len(t.Cols))
			for i, c := range t.Cols {
				cols[i] = c.ID
			}
			fmt.Printf("%s  %s  [%s]\n",
				colorize(colorCyan, t.ID),
				t.Kind,
				strings.Join(cols, ", "),
			)
		}
		return nil
	},
}

func init() {
	tablesCmd.Flags().String("kind", "", "filter by table kind (action, knowledge, chat)")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid search over knowledge tables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		tablesFlag, _ := cmd.Flags().GetString("tables")
		limit, _ := cmd.Flags().GetInt("limit")
		rerankModel, _ := cmd.Flags().GetString("rerank")

		if tablesFlag == "" {
			return fmt.Errorf("--tables is required")
		}
		tableIDs := strings.Split(tablesFlag, ",")
		for i := range tableIDs {
			tableIDs[i] = strings.TrimSpace(tableIDs[i])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(context.Background(), "/v1/search", map[string]any{
			"table_ids":       tableIDs,
			"query":           query,
			"k":               limit,
			"reranking_model": rerankModel,
		})
		if err != nil {
			return err
		}

		var result struct {
			SearchQuery string `json:"search_query"`
			References  []struct {
				TableID string  `json:"table_id"`
				Text    string  `json:"text"`
				Title   string  `json:"title"`
				Page    int     `json:"page"`
				Score   float64 `json:"score"`
			} `json:"references"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.References) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.References {
			header := fmt.Sprintf("Result %d", i+1)
			fmt.Printf("\n%s [score: %.3f] %s", colorize(colorBold, header), r.Score, r.TableID)
			if r.Title != "" {
				fmt.Printf("  %s", r.Title)
				if r.Page > 0 {
					fmt.Printf(" (page %d)", r.Page)
				}
			}
			fmt.Println()
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("tables", "", "comma-separated knowledge table IDs (required)")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
	searchCmd.Flags().String("rerank", "", "reranking model")
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <table-id> <file>",
	Short: "Upload a document into a knowledge table",
	Long: `Upload a document into a knowledge table.

The file is extracted, chunked and indexed; embedding runs in the
background. Supported formats: PDF, HTML, plain text.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, file := args[0], args[1]

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(context.Background(), "/v1/tables/"+url.PathEscape(tableID)+"/files", map[string]string{
			"filename": filepath.Base(file),
			"content":  base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Uploaded %s as file %s", filepath.Base(file), result["file_id"])
		return nil
	},
}
