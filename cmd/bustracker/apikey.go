package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/util"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Provision or revoke tracker API keys in redis",
}

var apikeyAddCmd = &cobra.Command{
	Use:   "add LABEL",
	Short: "Create an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rr, err := redis_resolver()
		if err != nil {
			return err
		}
		defer rr.Close()
		role, _ := cmd.Flags().GetString("role")
		weekend, _ := cmd.Flags().GetString("weekend")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		key := util.GenRandomString(nil, 24)
		s := &session.Session{Label: args[0], Role: role, CampWeekend: weekend}
		if err := rr.Provision(context.Background(), key, s, ttl); err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke KEY",
	Short: "Delete an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rr, err := redis_resolver()
		if err != nil {
			return err
		}
		defer rr.Close()
		return rr.Revoke(context.Background(), args[0])
	},
}

func redis_resolver() (*session.RedisResolver, error) {
	addr := v.GetString("redis.addr")
	if addr == "" {
		return nil, errors.New("redis.addr is not set")
	}
	return session.NewRedisResolver(context.Background(), &session.RedisConfig{
		Addr:     addr,
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	})
}

func init() {
	apikeyAddCmd.Flags().String("role", session.RoleStaff, "admin, staff or nurse")
	apikeyAddCmd.Flags().String("weekend", "", "camp weekend stamped on waypoints sent with this key")
	apikeyAddCmd.Flags().Duration("ttl", 0, "key lifetime, 0 keeps it until revoked")
	apikeyCmd.AddCommand(apikeyAddCmd, apikeyRevokeCmd)
}
