package cmd

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/syncmesh/core/syncserver/pgschema"
	"github.com/syncmesh/core/syncserver/store"
)

var devResetCmd = &cobra.Command{
	Use:   "dev-reset <ownerId> <storeId>",
	Short: "reset a store's event log outside production",
	Args:  cobra.ExactArgs(2),
	RunE:  doDevReset,
}

func doDevReset(cmd *cobra.Command, args []string) error {
	if viper.GetString(cfgNodeEnv) == "production" {
		return fmt.Errorf("dev-reset is disabled when NODE_ENV=production")
	}

	db, err := sql.Open("pgx", viper.GetString(cfgDatabaseURL))
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(pgschema.SQL); err != nil {
		return err
	}

	st := store.New(db, rootLogger().Named("store"))
	ctx := context.Background()
	if err := st.ResetStore(ctx, args[0], args[1]); err != nil {
		return err
	}

	cmd.Println("store reset")
	return nil
}
