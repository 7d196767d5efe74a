package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/proxy"
)

func newRulesCmd(a *app) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "rules [url...]",
		Short: "Load the proxy rule table and show where URLs would be forwarded",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if source == "" {
				source = cfg.Proxy.RulesSource
			}
			if source == "" {
				return errors.New("rules: no rule source; set PROXY_RULES_FILE or --source")
			}
			log, err := a.logger(cfg, "relaykit-rules")
			if err != nil {
				return err
			}

			table, err := proxy.LoadRules(cmd.Context(), source, nil, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out(), "%d rules loaded from %s\n", table.Len(), source)

			for _, raw := range args {
				r, err := http.NewRequest(http.MethodGet, raw, nil)
				if err != nil {
					return fmt.Errorf("rules: %w", err)
				}
				dest, matched, err := table.Resolve(r)
				switch {
				case err != nil:
					fmt.Fprintf(a.out(), "%s -> error: %v\n", raw, err)
				case !matched:
					fmt.Fprintf(a.out(), "%s -> pass through\n", raw)
				default:
					fmt.Fprintf(a.out(), "%s -> %s\n", raw, dest.Redacted())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Rule file path or URL (default PROXY_RULES_FILE)")
	return cmd
}
