package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/quotefall/internal/model"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <capability> <symbol>",
	Short: "Fetch one value through the fallback cascade",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Engine.Fetch(cmd.Context(), model.Capability(args[0]), args[1])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
