package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/store/impl/pgstore"
	"nuha.dev/bustracker/internal/util"
)

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the waypoint and session tables, optionally with a bootstrap session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		pool, err := pgxpool.Connect(ctx, v.GetString("db_url"))
		if err != nil {
			return err
		}
		defer pool.Close()
		schema := pgstore.NewSchema(pool, waypointTable)
		if err := schema.Apply(ctx); err != nil {
			return err
		}
		label, _ := cmd.Flags().GetString("session-label")
		if label == "" {
			return nil
		}
		role, _ := cmd.Flags().GetString("session-role")
		weekend, _ := cmd.Flags().GetString("session-weekend")
		hours, _ := cmd.Flags().GetInt("session-hours")
		sid := util.GenRandomString(nil, 24)
		if err := schema.CreateSession(ctx, sid, label, role, weekend, hours); err != nil {
			return err
		}
		fmt.Printf("%s=%s\n", session.CookieName, sid)
		return nil
	},
}

func init() {
	f := initdbCmd.Flags()
	f.String("session-label", "", "create a session with this label")
	f.String("session-role", session.RoleAdmin, "role of the created session")
	f.String("session-weekend", "", "camp weekend of the created session")
	f.Int("session-hours", 72, "session lifetime in hours")
}
