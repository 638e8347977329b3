package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/momomojo/portalclient"
)

type requestFlags struct {
	configPath   string
	baseURL      string
	token        string
	refreshToken string
	refreshURL   string
	logLevel     string
}

func requestCmd(method string, flags *requestFlags) *cobra.Command {
	var (
		params  []string
		data    string
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   method + " <path>",
		Short: fmt.Sprintf("Send a %s request", strings.ToUpper(method)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseParams(params)
			if err != nil {
				return err
			}
			req := portalclient.Request{
				Method:  strings.ToUpper(method),
				Path:    args[0],
				Query:   query,
				NoCache: noCache,
			}
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				req.Body = json.RawMessage(data)
			}

			client, err := buildClient(flags, cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return send(ctx, client, req, cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "query parameter key=value (repeatable)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	return cmd
}

func parseParams(params []string) (url.Values, error) {
	if len(params) == 0 {
		return nil, nil
	}
	query := url.Values{}
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		query.Add(key, value)
	}
	return query, nil
}

func buildClient(flags *requestFlags, cmd *cobra.Command) (*portalclient.Client, error) {
	cfg, err := portalclient.LoadConfig(flags.configPath, func(cfg *portalclient.Config) {
		if flags.baseURL != "" {
			cfg.BaseURL = flags.baseURL
		}
		if flags.token != "" {
			cfg.Token = flags.token
		}
		if flags.logLevel != "" {
			cfg.Logging.Level = flags.logLevel
		}
		cfg.Logging.Format = "console"
		cfg.Logging.Output = cmd.ErrOrStderr()
	})
	if err != nil {
		return nil, err
	}

	var extra []portalclient.Option
	if flags.refreshToken != "" {
		endpoint := flags.refreshURL
		if endpoint == "" {
			endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/auth/refresh"
		}
		session := portalclient.NewSessionTokenProvider(
			portalclient.SessionTokens{AccessToken: cfg.Token, RefreshToken: flags.refreshToken},
			portalclient.HTTPSessionRefresh(endpoint, &http.Client{Timeout: cfg.Session.RefreshTimeout}),
		)
		extra = append(extra, portalclient.WithTokenProvider(session))
	}

	return portalclient.NewFromConfig(cfg, extra...)
}

func send(ctx context.Context, client *portalclient.Client, req portalclient.Request, cmd *cobra.Command) error {
	resp, err := client.Do(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Body) == 0 {
		fmt.Fprintf(out, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		return nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
		_, err = out.Write(append(resp.Body, '\n'))
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}
