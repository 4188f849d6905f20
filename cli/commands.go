package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/storefront-ops/remedy/audit"
	"github.com/storefront-ops/remedy/config"
	"github.com/storefront-ops/remedy/store"
	"github.com/storefront-ops/remedy/version"
)

// migrateCmd creates or updates the database schema, including the audit
// immutability guards.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		if err := st.Migrate(); err != nil {
			return err
		}
		fmt.Println("migration complete")
		return nil
	},
}

// verifyCmd re-derives an issue's audit hash chain.
var verifyCmd = &cobra.Command{
	Use:   "verify-audit <issue-id>",
	Short: "Verify the audit hash chain of an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issueID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid issue id: %w", err)
		}
		st, err := openStore()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := audit.NewLedger(st).Verify(ctx, issueID)
		if err != nil {
			return err
		}
		if result.OK {
			fmt.Printf("chain intact: %d entries\n", result.Entries)
			return nil
		}
		return fmt.Errorf("chain broken at entry %d of %d", result.FirstBadEntry, result.Entries)
	},
}

var versionVerbose bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
		if !versionVerbose {
			return
		}
		info := version.GetBuildInfo()
		fmt.Printf("go: %s\nmodule: %s %s\n", info.GoVersion, info.MainModule, info.MainVersion)
		for _, dep := range info.Dependencies {
			fmt.Printf("  %s %s\n", dep.Path, dep.Version)
		}
	},
}

func init() {
	versionCmd.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "include build and dependency info")
}

func openStore() (*store.Store, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		LogSQL:   cfg.Database.LogSQL,
	})
}
