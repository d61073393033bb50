package main

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
)

func newUsageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect or reset today's analysis counts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <identifier>",
			Short: "Print today's usage for a user id or client IP",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withUsagePolicy(cmd, func(p *ratelimit.UsagePolicy) error {
					status, err := p.Current(cmd.Context(), args[0], identifierKind(args[0]))
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(status)
				})
			},
		},
		&cobra.Command{
			Use:   "reset <identifier>",
			Short: "Clear today's usage for a user id or client IP",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withUsagePolicy(cmd, func(p *ratelimit.UsagePolicy) error {
					if err := p.Reset(cmd.Context(), args[0], identifierKind(args[0])); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "usage reset for %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

// identifierKind treats anything that parses as an IP address as one;
// every other identifier is a user id.
func identifierKind(identifier string) model.IdentifierKind {
	if net.ParseIP(identifier) != nil {
		return model.IdentifierIP
	}
	return model.IdentifierUser
}

func (a *app) withUsagePolicy(cmd *cobra.Command, fn func(*ratelimit.UsagePolicy) error) error {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(ctx) }()

	counter, closeCounter, err := a.usageCounter(ctx, store)
	if err != nil {
		return err
	}
	defer closeCounter()

	return fn(ratelimit.NewUsagePolicy(counter, a.cfg.DailyAnalysisLimit, nil, a.logger))
}
