package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/example/relaykit/internal/httpx"
	"github.com/example/relaykit/internal/retry"
	"github.com/example/relaykit/internal/util"
)

const maxRulesBytes = 1 << 20

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Pattern string `yaml:"pattern"`
	Target  string `yaml:"target"`
}

// ParseRules decodes a YAML rule table:
//
//	rules:
//	  - pattern: '^https?://api\.example\.com/v1/(.*)$'
//	    target: 'http://backend:9000/{1}'
//
// Order is preserved; later rules win on overlap.
func ParseRules(data []byte) (*Table, error) {
	var file ruleFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("proxy: decode rules: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, entry := range file.Rules {
		if strings.TrimSpace(entry.Pattern) == "" || strings.TrimSpace(entry.Target) == "" {
			return nil, fmt.Errorf("%w: entry %d needs both pattern and target", ErrInvalidRule, i)
		}
		rule, err := NewRule(entry.Pattern, entry.Target)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return NewTable(rules...), nil
}

// LoadRules reads a rule table from a file path or an http(s) URL. Remote
// tables are fetched with httpx.RetryQuery. An empty source yields an empty
// table.
func LoadRules(ctx context.Context, source string, client *http.Client, logger zerolog.Logger, opts ...retry.Option) (*Table, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return NewTable(), nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	var (
		data []byte
		err  error
	)
	if util.IsHTTPURL(source) {
		if _, err := util.ValidateHTTPURL(source); err != nil {
			return nil, fmt.Errorf("proxy: rules source: %w", err)
		}
		data, err = fetchRules(ctx, source, client, logger, opts...)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("proxy: load rules from %s: %w", source, err)
	}

	table, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("source", source).Int("rules", table.Len()).Msg("proxy rules loaded")
	return table, nil
}

func fetchRules(ctx context.Context, source string, client *http.Client, logger zerolog.Logger, opts ...retry.Option) ([]byte, error) {
	resp, err := httpx.RetryQuery(ctx, client, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	}, nil, logger, opts...)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := httpx.EnsureSuccess(resp, logger); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRulesBytes))
}
