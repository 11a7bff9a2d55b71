package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/personas/internal/config"
	"github.com/kalambet/personas/internal/pipeline"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate personas from a file of customer profiles",
	Long: `Generate personas from a file of customer profiles.

The input is JSON or YAML (chosen by extension): a list of profile objects,
or an object with a "profiles" list. With --comments the input is instead a
mapping from survey question to a list of free-text answers.

By default the batch runs in this process. With --remote it is submitted to
a running server and queued; check progress with "personas status <id>".

Examples:
  personas generate --input customers.json
  personas generate --input survey.yaml --comments --output personas.json
  personas generate --input customers.json --remote`,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		output, _ := cmd.Flags().GetString("output")
		comments, _ := cmd.Flags().GetBool("comments")
		remote, _ := cmd.Flags().GetBool("remote")

		if input == "" {
			return fmt.Errorf("--input is required")
		}

		data, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		var profiles []pipeline.Profile
		if comments {
			byQuestion, err := parseComments(input, data)
			if err != nil {
				return err
			}
			profiles = pipeline.ProfilesFromComments(byQuestion)
		} else {
			records, err := parseRecords(input, data)
			if err != nil {
				return err
			}
			if profiles, err = pipeline.ProfilesFromRecords(records); err != nil {
				return err
			}
		}
		printStep("Loaded %d profiles from %s", len(profiles), input)

		if remote {
			return submitRemote(cmd.Context(), profiles)
		}
		return generateLocal(cmd.Context(), profiles, output)
	},
}

func init() {
	generateCmd.Flags().String("input", "", "profiles file (.json, .yaml or .yml)")
	generateCmd.Flags().String("output", "", "output file path (default: stdout)")
	generateCmd.Flags().Bool("comments", false, "input maps survey questions to free-text answers")
	generateCmd.Flags().Bool("remote", false, "queue the batch on the running server")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshalInput(path string, data []byte, v any) error {
	if isYAML(path) {
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing YAML input: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing JSON input: %w", err)
	}
	return nil
}

// parseRecords accepts a top-level list of records or an object whose
// "profiles" key holds the list.
func parseRecords(path string, data []byte) ([]map[string]any, error) {
	var doc any
	if err := unmarshalInput(path, data, &doc); err != nil {
		return nil, err
	}

	list, ok := doc.([]any)
	if !ok {
		obj, isObj := doc.(map[string]any)
		if !isObj {
			return nil, fmt.Errorf("input must be a list of profiles or an object with a profiles list")
		}
		if list, ok = obj["profiles"].([]any); !ok {
			return nil, fmt.Errorf("input object has no profiles list")
		}
	}

	records := make([]map[string]any, len(list))
	for i, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("profile %d is not an object", i)
		}
		records[i] = rec
	}
	return records, nil
}

func parseComments(path string, data []byte) (map[string][]string, error) {
	var byQuestion map[string][]string
	if err := unmarshalInput(path, data, &byQuestion); err != nil {
		return nil, err
	}
	return byQuestion, nil
}

func generateLocal(ctx context.Context, profiles []pipeline.Profile, output string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.Run(ctx, profiles)
	if err != nil {
		return err
	}

	w := io.Writer(os.Stdout)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	printSuccess("Batch %s: %d personas from %d profiles (%d noise)", res.BatchID, len(res.Personas), len(profiles), res.NoiseCount)
	return nil
}

func submitRemote(ctx context.Context, profiles []pipeline.Profile) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	records := make([]map[string]any, len(profiles))
	for i, p := range profiles {
		rec := make(map[string]any, len(p.Fields)+1)
		for k, v := range p.Fields {
			rec[k] = v
		}
		rec[pipeline.IDField] = p.ID
		records[i] = rec
	}

	resp, err := client.post(ctx, "/v1/personas", map[string]any{
		"profiles": records,
		"async":    true,
	})
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	printSuccess("Queued batch %s", result["batch_id"])
	return nil
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			printSuccess("Set %s", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
