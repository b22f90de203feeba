package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write steroids configuration",
	}
	cmd.AddCommand(newConfigGetCmd(), newConfigSetCmd(), newConfigListCmd())
	return cmd
}

func loadConfig() (*config.Config, error) {
	root, err := projectPath()
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			value := cfg.Get(args[0])
			if value == nil {
				return fmt.Errorf("config key %q is not set", args[0])
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "key": args[0], "value": value})
			}
			fmt.Println(value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a key into the project config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.SetValue(args[0], coerce(args[1])); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "key": args[0]})
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	}
}

// coerce turns obvious literals into their YAML types so `config set` does
// not stringify booleans and numbers.
func coerce(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && fmt.Sprintf("%d", n) == raw {
		return n
	}
	return raw
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the merged configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			settings := cfg.AllSettings()
			if flagJSON {
				return printJSON(map[string]any{"success": true, "settings": settings})
			}
			flat := map[string]any{}
			flatten("", settings, flat)
			keys := make([]string, 0, len(flat))
			for k := range flat {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, flat[k])
			}
			return nil
		},
	}
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}
