package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/markus-lassfolk/locator/pkg"
	"github.com/markus-lassfolk/locator/pkg/audit"
	"github.com/markus-lassfolk/locator/pkg/ecosystem"
	"github.com/markus-lassfolk/locator/pkg/privacy"
	"github.com/markus-lassfolk/locator/pkg/uci"
)

var (
	serverURL    string
	apiKey       string
	accessorID   string
	accessorType string
	purpose      string
	outputFormat string
	timeout      time.Duration

	strategyName string
	since        string
	limit        int
	mask         bool
	radius       float64
	auditType    string
	auditResult  string
	withSecrets  bool
	patterns     bool
)

var rootCmd = &cobra.Command{
	Use:           "locatorctl",
	Short:         "Query and manage the locator daemon",
	Long:          `locatorctl talks to the locatord HTTP API to resolve positions, inspect history and manage privacy and configuration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Resolve the current position",
	Args:  cobra.NoArgs,
	RunE:  runCurrent,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List cached positions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var nearbyCmd = &cobra.Command{
	Use:   "nearby <lat> <lng>",
	Short: "List cached positions near a point",
	Args:  cobra.ExactArgs(2),
	RunE:  runNearby,
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Resolve the current position and print it sealed",
	Args:  cobra.NoArgs,
	RunE:  runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt [file]",
	Short: "Open a sealed position read from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDecrypt,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  getJSON("/api/status", &ecosystem.Status{}),
}

var performanceCmd = &cobra.Command{
	Use:   "performance",
	Short: "Show request and strategy performance",
	Args:  cobra.NoArgs,
	RunE:  getJSON("/api/metrics/performance", &ecosystem.PerformanceReport{}),
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show the error report",
	Args:  cobra.NoArgs,
	RunE:  getJSON("/api/errors", &ecosystem.ErrorReport{}),
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the privacy audit trail",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset request counters and strategy metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().do(cmd.Context(), http.MethodPost, "/api/reset", nil, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "counters reset")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, reset or export configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the daemon's runtime configuration",
	Args:  cobra.NoArgs,
	RunE:  getJSON("/api/config", &ecosystem.Config{}),
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the daemon's startup configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg ecosystem.Config
		if err := client().do(cmd.Context(), http.MethodPost, "/api/config/reset", nil, nil, &cfg); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), cfg)
	},
}

var configExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Validate a local configuration file and print it in UCI format",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigExport,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8765", "locatord API address")
	pf.StringVar(&apiKey, "api-key", os.Getenv(uci.EnvAPIKey), "API key (defaults to $"+uci.EnvAPIKey+")")
	pf.StringVar(&accessorID, "accessor", "locatorctl", "Accessor ID presented to access control")
	pf.StringVar(&accessorType, "accessor-type", string(privacy.AccessorUser), "Accessor type (system|user|app)")
	pf.StringVar(&purpose, "purpose", "", "Purpose of the access, required by the strict access level")
	pf.StringVarP(&outputFormat, "output", "o", "standard", "Output format (standard|json|csv|minimal)")
	pf.DurationVar(&timeout, "timeout", 45*time.Second, "Request timeout")

	currentCmd.Flags().StringVar(&strategyName, "strategy", "", "Strategy (highAccuracy|balanced|lowPower|cacheFirst|smart)")
	encryptCmd.Flags().StringVar(&strategyName, "strategy", "", "Strategy (highAccuracy|balanced|lowPower|cacheFirst|smart)")

	historyCmd.Flags().StringVar(&since, "since", "", "Only positions cached after this time (RFC 3339 or duration like 1h)")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of positions")
	historyCmd.Flags().BoolVar(&mask, "mask", false, "Apply privacy masking")

	nearbyCmd.Flags().Float64VarP(&radius, "radius", "r", 1000, "Search radius in meters")

	auditCmd.Flags().StringVar(&auditType, "type", "", "Access type (read|write|delete|share)")
	auditCmd.Flags().StringVar(&auditResult, "result", "", "Result (success|failure)")
	auditCmd.Flags().StringVar(&since, "since", "", "Only entries after this time (RFC 3339 or duration like 1h)")
	auditCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries")
	auditCmd.Flags().BoolVar(&patterns, "patterns", false, "Show detected access patterns instead of entries")

	configExportCmd.Flags().BoolVar(&withSecrets, "with-secrets", false, "Include secrets in the output")
	configCmd.AddCommand(configShowCmd, configResetCmd, configExportCmd)

	rootCmd.AddCommand(currentCmd, historyCmd, nearbyCmd, encryptCmd, decryptCmd,
		statusCmd, performanceCmd, errorsCmd, auditCmd, resetCmd, configCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func client() *apiClient {
	return newAPIClient(serverURL, apiKey, accessorID, accessorType, purpose, timeout)
}

func strategyQuery() url.Values {
	q := url.Values{}
	if strategyName != "" {
		q.Set("strategy", strategyName)
	}
	return q
}

// sinceQuery converts a relative duration to an absolute timestamp
func sinceQuery(v string, now time.Time) (string, error) {
	if v == "" {
		return "", nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d).UTC().Format(time.RFC3339), nil
	}
	if _, err := time.Parse(time.RFC3339, v); err != nil {
		return "", fmt.Errorf("invalid --since %q: use RFC 3339 or a duration", v)
	}
	return v, nil
}

func getJSON(path string, out interface{}) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := client().do(cmd.Context(), http.MethodGet, path, nil, nil, out); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	}
}

func runCurrent(cmd *cobra.Command, args []string) error {
	var pos pkg.Position
	if err := client().do(cmd.Context(), http.MethodGet, "/api/location/current", strategyQuery(), nil, &pos); err != nil {
		return err
	}
	if outputFormat == "standard" {
		fmt.Fprintln(cmd.OutOrStdout(), "Current position:")
	}
	return writePositions(cmd.OutOrStdout(), outputFormat, []pkg.Position{pos}, nil)
}

func runHistory(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	s, err := sinceQuery(since, time.Now())
	if err != nil {
		return err
	}
	if s != "" {
		q.Set("since", s)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if mask {
		q.Set("mask", "true")
	}

	var positions []pkg.Position
	if err := client().do(cmd.Context(), http.MethodGet, "/api/location/history", q, nil, &positions); err != nil {
		return err
	}
	if len(positions) == 0 && outputFormat == "standard" {
		fmt.Fprintln(cmd.OutOrStdout(), "no cached positions")
		return nil
	}
	return writePositions(cmd.OutOrStdout(), outputFormat, positions, nil)
}

func runNearby(cmd *cobra.Command, args []string) error {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid latitude %q", args[0])
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid longitude %q", args[1])
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	q.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))

	var found []ecosystem.NearbyPosition
	if err := client().do(cmd.Context(), http.MethodGet, "/api/location/nearby", q, nil, &found); err != nil {
		return err
	}
	positions := make([]pkg.Position, len(found))
	distances := make([]float64, len(found))
	for i, f := range found {
		positions[i] = f.Position
		distances[i] = f.Distance
	}
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), found)
	}
	return writePositions(cmd.OutOrStdout(), outputFormat, positions, distances)
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	var enc privacy.EncryptedPosition
	if err := client().do(cmd.Context(), http.MethodGet, "/api/location/encrypted", strategyQuery(), nil, &enc); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), enc)
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var enc privacy.EncryptedPosition
	if err := json.NewDecoder(r).Decode(&enc); err != nil {
		return fmt.Errorf("invalid sealed position: %w", err)
	}

	var pos pkg.Position
	if err := client().do(cmd.Context(), http.MethodPost, "/api/location/decrypt", nil, &enc, &pos); err != nil {
		return err
	}
	return writePositions(cmd.OutOrStdout(), outputFormat, []pkg.Position{pos}, nil)
}

func runAudit(cmd *cobra.Command, args []string) error {
	if patterns {
		var found []audit.Pattern
		if err := client().do(cmd.Context(), http.MethodGet, "/api/audit/patterns", nil, nil, &found); err != nil {
			return err
		}
		if outputFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), found)
		}
		for _, p := range found {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", p.Severity, p.Type, p.Description)
		}
		return nil
	}

	q := url.Values{}
	if auditType != "" {
		q.Set("type", auditType)
	}
	if auditResult != "" {
		q.Set("result", auditResult)
	}
	s, err := sinceQuery(since, time.Now())
	if err != nil {
		return err
	}
	if s != "" {
		q.Set("since", s)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var entries []audit.Entry
	if err := client().do(cmd.Context(), http.MethodGet, "/api/audit", q, nil, &entries); err != nil {
		return err
	}
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-6s %-7s %-20s %s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Type, e.Result, e.Accessor, e.PositionID)
	}
	return nil
}

func runConfigExport(cmd *cobra.Command, args []string) error {
	path := uci.DefaultPath
	if len(args) == 1 {
		path = args[0]
	}
	cfg, err := uci.LoadConfig(path)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), cfg)
	}
	return cfg.WriteUCI(cmd.OutOrStdout(), withSecrets)
}
