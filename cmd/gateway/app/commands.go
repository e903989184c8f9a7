// Package app provides the entry point for the gateway command-line
// application.
package app

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unrelated/mcp-gateway/internal/gatewaylog"
	"github.com/unrelated/mcp-gateway/pkg/gateway/auth"
	"github.com/unrelated/mcp-gateway/pkg/gateway/config"
	"github.com/unrelated/mcp-gateway/pkg/gateway/contractwatch"
	"github.com/unrelated/mcp-gateway/pkg/gateway/limiter"
	"github.com/unrelated/mcp-gateway/pkg/gateway/metrics"
	"github.com/unrelated/mcp-gateway/pkg/gateway/profile"
	"github.com/unrelated/mcp-gateway/pkg/gateway/server"
	"github.com/unrelated/mcp-gateway/pkg/gateway/toolsource"
)

var rootCmd = &cobra.Command{
	Use:               "gateway",
	DisableAutoGenTag: true,
	Short:             "MCP Gateway - multi-tenant proxy-aggregation server for Model Context Protocol sessions",
	Long: `The MCP Gateway bridges one downstream MCP session to many upstream MCP
servers and locally-defined tool sources behind a single per-profile
endpoint. It provides:

- Tool/resource/prompt catalog aggregation across upstreams and tool sources
- Per-tool parameter and schema transforms
- Signed proxied ids for forwarded server-requests
- Rate limiting and quota enforcement per (API key, profile)
- Live catalog change notifications (list_changed) to connected sessions`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			gatewaylog.Error("displaying help", "error", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if viper.GetBool("debug") {
			gatewaylog.SetDefault(gatewaylog.NewDevelopment())
		}
	},
}

// NewRootCmd creates a new root command for the gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		gatewaylog.Error("binding debug flag", "error", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway profile bundle file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		gatewaylog.Error("binding config flag", "error", err)
	}

	rootCmd.PersistentFlags().String("host", "127.0.0.1", "Listen host")
	if err := viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host")); err != nil {
		gatewaylog.Error("binding host flag", "error", err)
	}

	rootCmd.PersistentFlags().Int("port", 8787, "Listen port")
	if err := viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port")); err != nil {
		gatewaylog.Error("binding port flag", "error", err)
	}

	rootCmd.PersistentFlags().String("tenant-token-secret", "", "HMAC secret used to verify tenant control-plane tokens (required)")
	if err := viper.BindPFlag("tenant-token-secret", rootCmd.PersistentFlags().Lookup("tenant-token-secret")); err != nil {
		gatewaylog.Error("binding tenant-token-secret flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's HTTP/SSE server",
		Long: `Start the gateway, reading the profile bundle from --config and serving one
Streamable HTTP MCP endpoint per profile at /{profileId}/mcp.`,
		RunE: runServe,
	}
	cmd.Flags().String("redis-addr", "", "Redis address (host:port) backing the rate limiter and contract event log across replicas; unset runs both in-process, single-replica only")
	if err := viper.BindPFlag("redis-addr", cmd.Flags().Lookup("redis-addr")); err != nil {
		gatewaylog.Error("binding redis-addr flag", "error", err)
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			gatewaylog.Info(fmt.Sprintf("mcp-gateway version: %s", getVersion()))
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a profile bundle file",
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			bundle, err := config.LoadFileBundle(configPath)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			gatewaylog.Info(fmt.Sprintf("profile bundle is valid: %d profile(s)", len(bundle.Profiles)))
			for _, p := range bundle.Profiles {
				gatewaylog.Info(fmt.Sprintf("  - %s (tenant=%s, upstreams=%d, toolSources=%d)",
					p.ID, p.TenantID, len(p.Upstreams), len(p.ToolSources)))
			}
			return nil
		},
	}
}

func getVersion() string {
	return "dev"
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}
	secret := viper.GetString("tenant-token-secret")
	if secret == "" {
		return fmt.Errorf("no tenant token secret specified, use --tenant-token-secret flag")
	}

	log := gatewaylog.Get()
	log.InfoContext(ctx, "loading profile bundle", "path", configPath)
	bundle, err := config.LoadFileBundle(configPath)
	if err != nil {
		return fmt.Errorf("loading profile bundle: %w", err)
	}
	store := config.NewFileConfigStore(bundle)
	log.InfoContext(ctx, "profile bundle loaded", "profiles", len(bundle.Profiles))

	// srv is wired into supervisor's onCatalogInvalidate callback below
	// before it itself is constructed from supervisor; the callback only
	// fires after Acquire, by which point srv is always set.
	var srv *server.Server
	supervisor := profile.New(store, log, func(profileID string) {
		if srv != nil {
			srv.NotifyCatalogInvalidated(profileID)
		}
	})

	registry := prometheus.NewRegistry()
	mtr := metrics.NewPrometheus(registry)

	limiterOpts := []limiter.Option{limiter.WithMetrics(mtr)}
	trackerOpts := []contractwatch.Option{contractwatch.WithMetrics(mtr)}
	stateStore := limiter.StateStore(limiter.NewMemoryStateStore())
	if redisAddr := viper.GetString("redis-addr"); redisAddr != "" {
		log.InfoContext(ctx, "backing limiter and contract event log with redis", "addr", redisAddr)
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		stateStore = limiter.NewRedisStateStore(redisClient)
		trackerOpts = append(trackerOpts, contractwatch.WithEventStore(contractwatch.NewRedisEventStore(redisClient, log)))
	}
	lim := limiter.New(stateStore, limiterOpts...)
	tracker := contractwatch.New(trackerOpts...)
	signer := auth.NewTenantSigner([]byte(secret))
	resolver := auth.NewFileResolver(signer)

	cfg := &server.Config{
		Host: viper.GetString("host"),
		Port: viper.GetInt("port"),
	}
	srv = server.New(cfg, supervisor, toolsource.GatewayDefault(), 30*time.Second, lim, resolver, tracker, log,
		server.WithMetrics(mtr),
		server.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	)

	log.InfoContext(ctx, "starting gateway")
	return srv.Start(ctx)
}
