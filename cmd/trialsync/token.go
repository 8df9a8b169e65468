package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/trialsync/internal/httpapi"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwt_secret is not set (TRIALSYNC_API_JWT_SECRET)")
			}
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject is required")
			}
			token, err := httpapi.IssueToken(cfg.API.JWTSecret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "client name recorded in the sub claim")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{httpapi.ScopeSyncRead, httpapi.ScopeSyncWrite, httpapi.ScopeConflictsWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
