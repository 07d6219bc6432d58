// Package cmd implements the CLI commands for twitchpipe.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/twitchpipe/internal/config"
	"github.com/jmylchreest/twitchpipe/internal/hls"
	"github.com/jmylchreest/twitchpipe/internal/httpclient"
	"github.com/jmylchreest/twitchpipe/internal/observability"
	"github.com/jmylchreest/twitchpipe/internal/player"
	"github.com/jmylchreest/twitchpipe/internal/stream"
	"github.com/jmylchreest/twitchpipe/internal/twitch"
	"github.com/jmylchreest/twitchpipe/internal/version"
)

var (
	cfgFile     string
	passthrough bool
	debug       bool
	quiet       bool
)

// rootCmd represents the base command: stream a channel into the player.
var rootCmd = &cobra.Command{
	Use:     "twitchpipe [flags] CHANNEL",
	Short:   "Pipe a Twitch live stream into a media player",
	Version: version.Short(),
	Long: `twitchpipe fetches a channel's live HLS stream, including Twitch's
low-latency prefetch segments, and pipes the raw MPEG-TS bytes into a
media player's standard input.

The player must read from stdin; with mpv that is simply:

  twitchpipe somechannel

Use --passthrough to print the resolved media playlist URL instead of
streaming, and "-" as the player to write the stream to stdout.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runStream,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// Exit codes reported to the shell, one per terminal failure class.
const (
	exitGeneric          = 1
	exitQualityNotFound  = 3
	exitStreamStalled    = 4
	exitNetworkExhausted = 5
	exitForbidden        = 6
)

// ExitCode maps a terminal error to the process exit code.
func ExitCode(err error) int {
	var httpErr *httpclient.Error
	switch {
	case err == nil:
		return 0
	case errors.Is(err, hls.ErrQualityNotFound):
		return exitQualityNotFound
	case errors.Is(err, stream.ErrStreamStalled):
		return exitStreamStalled
	case errors.Is(err, stream.ErrNetworkExhausted):
		return exitNetworkExhausted
	case errors.As(err, &httpErr) && httpErr.Kind == httpclient.KindPolicy:
		return exitForbidden
	default:
		return exitGeneric
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default searches ., ~/.twitchpipe, /etc/twitchpipe)")
	flags.BoolVar(&passthrough, "passthrough", false, "print the media playlist URL and exit")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "only log errors")

	flags.StringP("player", "p", "mpv", "player command, or - for stdout")
	flags.String("player-args", "--profile=low-latency -", "arguments passed to the player")
	flags.String("quality", "best", "stream quality: best, worst, or a tag like 720p60")
	flags.StringSlice("codecs", nil, "codec family preference, e.g. av1,h265,h264")
	flags.StringArray("server", nil, "proxy playlist server URL template with a {channel} placeholder (repeatable)")
	flags.StringSlice("never-proxy", nil, "channels that always use direct acquisition")
	flags.String("client-id", "", "Twitch client id override")
	flags.String("auth-token", "", "Twitch OAuth token")
	flags.Int("http-retries", 2, "retry attempts per request")
	flags.Duration("http-timeout", 0, "per-attempt HTTP timeout (0 uses the config default)")
	flags.Bool("force-https", false, "refuse non-HTTPS URLs")
	flags.Bool("force-ipv4", false, "resolve and connect over IPv4 only")
	flags.String("user-agent", "", "User-Agent header override")
	flags.Bool("no-low-latency", false, "ignore prefetch segments")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")

	mustBindPFlag("player.command", flags.Lookup("player"))
	mustBindPFlag("player.args", flags.Lookup("player-args"))
	mustBindPFlag("acquisition.quality", flags.Lookup("quality"))
	mustBindPFlag("acquisition.codecs", flags.Lookup("codecs"))
	mustBindPFlag("acquisition.servers", flags.Lookup("server"))
	mustBindPFlag("acquisition.never_proxy", flags.Lookup("never-proxy"))
	mustBindPFlag("acquisition.client_id", flags.Lookup("client-id"))
	mustBindPFlag("acquisition.auth_token", flags.Lookup("auth-token"))
	mustBindPFlag("http.retries", flags.Lookup("http-retries"))
	mustBindPFlag("http.force_https", flags.Lookup("force-https"))
	mustBindPFlag("http.force_ipv4", flags.Lookup("force-ipv4"))
	mustBindPFlag("http.user_agent", flags.Lookup("user-agent"))
	mustBindPFlag("stream.no_low_latency", flags.Lookup("no-low-latency"))
	mustBindPFlag("logging.level", flags.Lookup("log-level"))
	mustBindPFlag("logging.format", flags.Lookup("log-format"))
}

// loadConfig builds the effective configuration from defaults, config
// file, environment, and bound flags. It reads through the global viper
// instance because the flag bindings live there.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.twitchpipe")
		v.AddConfigPath("/etc/twitchpipe")
	}

	v.SetEnvPrefix("TWITCHPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}

	// --http-timeout is a duration flag and bypasses the string-typed
	// viper default.
	if cmd.Flags().Changed("http-timeout") {
		timeout, err := cmd.Flags().GetDuration("http-timeout")
		if err != nil {
			return nil, err
		}
		cfg.HTTP.Timeout = timeout
	}

	switch {
	case debug:
		cfg.Logging.Level = "debug"
	case quiet:
		cfg.Logging.Level = "error"
	}
	return cfg, cfg.Validate()
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	channel := strings.ToLower(strings.TrimPrefix(args[0], "#"))
	if channel == "" {
		return fmt.Errorf("channel name is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agentCfg := httpclient.Config{
		Timeout:             cfg.HTTP.Timeout,
		Retries:             cfg.HTTP.Retries,
		RetryDelay:          cfg.HTTP.RetryDelay,
		ForceHTTPS:          cfg.HTTP.ForceHTTPS,
		ForceIPv4:           cfg.HTTP.ForceIPv4,
		UserAgent:           cfg.HTTP.UserAgent,
		Logger:              logger,
		EnableDecompression: true,
	}
	if agentCfg.UserAgent == "" {
		agentCfg.UserAgent = httpclient.DefaultUserAgent
	}
	agent := httpclient.New(agentCfg)
	defer agent.Close()

	tw := twitch.NewClient(agent, cfg.Acquisition.ClientID, cfg.Acquisition.AuthToken, logger)
	logger = logger.With(slog.String("session_id", tw.SessionID()))

	resolver := &twitch.Resolver{
		Client:     tw,
		Agent:      agent,
		Servers:    cfg.Acquisition.Servers,
		NeverProxy: cfg.Acquisition.NeverProxy,
		Quality:    cfg.Acquisition.Quality,
		Codecs:     cfg.Acquisition.Codecs,
		LowLatency: !cfg.Stream.NoLowLatency,
		Logger:     logger,
	}

	mediaURL, err := resolver.Resolve(ctx, channel)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Interrupted while resolving; shut down quietly.
			return nil
		}
		return fmt.Errorf("resolving %s: %w", channel, err)
	}

	if passthrough {
		fmt.Fprintln(cmd.OutOrStdout(), mediaURL)
		return nil
	}

	pl, err := player.Launch(ctx, cfg.Player.Command, cfg.Player.Args, logger)
	if err != nil {
		return err
	}
	defer pl.Close()

	worker, err := stream.NewWorker(agent, pl.Stdin(), stream.WorkerConfig{
		PlaylistURL:        mediaURL,
		NoLowLatency:       cfg.Stream.NoLowLatency,
		MaxRefreshFailures: cfg.Stream.MaxRefreshFailures,
		MaxEmptyRefreshes:  cfg.Stream.MaxEmptyRefreshes,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	err = worker.Run(ctx)
	if errors.Is(err, context.Canceled) {
		// The user interrupted; shut down quietly.
		return nil
	}
	return err
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
// This helper ensures lint-compliant error handling for viper.BindPFlag.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
