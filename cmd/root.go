package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangefetch/internal/config"
	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/output"
	"github.com/tanq16/rangefetch/internal/utils"
)

var (
	outputPath     string
	configPath     string
	timeout        time.Duration
	concurrency    int
	userAgent      string
	proxyURL       string
	proxyUsername  string
	proxyPassword  string
	headers        []string
	highThreadMode bool
	debug          bool
)

var RangefetchVersion = "dev"

const exitInterrupted = 130

var rootCmd = &cobra.Command{
	Use:     "rangefetch [URL]",
	Short:   "rangefetch downloads a file over parallel HTTP range requests",
	Version: RangefetchVersion,
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		cfg, err := loadConfig(cmd)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		url := args[0]
		if err := checkURL(url); err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		os.Exit(download(cfg, url, resolveOutputPath(url, outputPath)))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	addFlags(rootCmd)
}

func addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the URL if not provided)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default $HOME/.config/rangefetch/config.yaml)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Abort the download after this long (eg. 30s, 10m; 0 disables)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 0, "CPU count used for chunk planning (0 detects it)")
	cmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	cmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., http://proxy.example.com:8080)")
	cmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	cmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")

	// flags without shorthand
	cmd.Flags().BoolVar(&highThreadMode, "high-thread-mode", false, "Enlarge socket buffers for many parallel connections")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides file settings with flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.TimeoutMs = timeout.Milliseconds()
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = concurrency
	}
	if flags.Changed("user-agent") {
		cfg.HTTP.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		cfg.HTTP.Proxy = proxyURL
	}
	if flags.Changed("proxy-username") {
		cfg.HTTP.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		cfg.HTTP.ProxyPassword = proxyPassword
	}
	if flags.Changed("high-thread-mode") {
		cfg.HTTP.HighThreadMode = highThreadMode
	}
	if len(headers) > 0 {
		if cfg.HTTP.Headers == nil {
			cfg.HTTP.Headers = make(map[string]string)
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			cfg.HTTP.Headers[k] = v
		}
	}
	splitProxyCredentials(&cfg.HTTP)
}

// splitProxyCredentials moves user info embedded in the proxy URL into the
// explicit credential fields unless those are already set.
func splitProxyCredentials(cfg *config.HTTPConfig) {
	parsedProxy, err := u.Parse(cfg.Proxy)
	if err != nil || parsedProxy.User == nil || cfg.ProxyUsername != "" {
		return
	}
	cfg.ProxyUsername = parsedProxy.User.Username()
	if password, set := parsedProxy.User.Password(); set {
		cfg.ProxyPassword = password
	}
	parsedProxy.User = nil
	cfg.Proxy = parsedProxy.String()
}

func checkURL(url string) error {
	parsed, err := u.Parse(url)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid URL format: %s", url)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	return nil
}

// resolveOutputPath infers a file name when none is given and never
// overwrites an existing file.
func resolveOutputPath(url, path string) string {
	if path == "" {
		path = utils.OutputPathFromURL(url)
	}
	if _, err := os.Stat(path); err == nil {
		path = utils.RenewOutputPath(path)
	}
	return path
}

func download(cfg config.Config, url, path string) int {
	log := utils.GetLogger("cli")
	display := output.NewProgressDisplay(os.Stderr, filepath.Base(path))
	finished := make(chan downloader.Finished, 1)

	coordinator := downloader.New(utils.NewHTTPClient(cfg.HTTPClientConfig()), downloader.Config{
		Timeout:     cfg.Timeout(),
		Concurrency: cfg.Concurrency,
		BufferSize:  cfg.BufferSize(),
		OnProgress:  display.Update,
		OnFinish:    func(f downloader.Finished) { finished <- f },
	})
	defer coordinator.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	start := time.Now()
	if err := coordinator.Start(url, path); err != nil {
		output.PrintError(err.Error())
		return 1
	}
	output.PrintPending(fmt.Sprintf("%s %s %s", output.StyleSymbols["arrow"], url, output.FDetail(path)))

	select {
	case f := <-finished:
		summary := output.Summary{Path: path, Bytes: coordinator.FinishedBytes(), Elapsed: time.Since(start), Err: f.Err}
		if !f.Success() {
			display.Abort()
			fmt.Fprintln(os.Stderr)
			output.PrintSummary(summary)
			log.Debug().Str("kind", downloader.KindOf(f.Err).String()).Msg("Download failed")
			return 1
		}
		display.Finish()
		fmt.Fprintln(os.Stderr)
		output.PrintSummary(summary)
		return 0
	case sig := <-signals:
		log.Debug().Str("signal", sig.String()).Msg("Stopping download")
		coordinator.Stop()
		display.Abort()
		fmt.Fprintln(os.Stderr)
		output.PrintSummary(output.Summary{Path: path, Stopped: true})
		return exitInterrupted
	}
}
