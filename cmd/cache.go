package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quotefall/internal/cachegw"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache maintenance",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop expired entries from the sqlite cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Cache.Driver != "sqlite" {
			return eris.Errorf("cache purge requires the sqlite driver, have %q", cfg.Cache.Driver)
		}

		gw, err := cachegw.NewSQLite(cfg.Cache.Path)
		if err != nil {
			return err
		}
		defer gw.Close()

		n, err := gw.PurgeExpired(cmd.Context())
		if err != nil {
			return err
		}
		zap.L().Info("cache purge complete", zap.Int("dropped", n))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
