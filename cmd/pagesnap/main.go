package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/v0xg/pagesnap/internal/browser"
	"github.com/v0xg/pagesnap/internal/config"
	"github.com/v0xg/pagesnap/internal/delivery"
	"github.com/v0xg/pagesnap/internal/imagefmt"
	"github.com/v0xg/pagesnap/internal/notify"
	"github.com/v0xg/pagesnap/internal/overlay"
	"github.com/v0xg/pagesnap/internal/pipeline"
)

var (
	configPath string
	output     string
	format     string
	deliver    string
	width      int
	height     int
	scale      float64
	maxWidth   uint
	headful    bool
	remote     string
	profile    string
	stealthy   bool
	verbose    bool
)

func main() {
	// Load .env file if present (silently ignore if not found)
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "pagesnap <url>",
		Short: "Capture a full-page screenshot of a web page",
		Long: `pagesnap scrolls through a page one viewport at a time, hides sticky
headers after the first frame, and stitches the frames into one image that
goes to the clipboard or to a file.

Example:
  pagesnap "https://example.com/docs" --delivery file --format jpeg -o shots/`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $PAGESNAP_CONFIG or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed progress")

	rootCmd.Flags().StringVarP(&output, "output", "o", "", "Output directory for saved images")
	rootCmd.Flags().StringVar(&format, "format", "", "Image format for file delivery: png, jpeg")
	rootCmd.Flags().StringVar(&deliver, "delivery", "", "Delivery: clipboard, file")
	rootCmd.Flags().IntVar(&width, "width", 0, "Viewport width")
	rootCmd.Flags().IntVar(&height, "height", 0, "Viewport height")
	rootCmd.Flags().Float64Var(&scale, "scale", 0, "Device scale factor")
	rootCmd.Flags().UintVar(&maxWidth, "max-width", 0, "Downscale the result to at most this width (0 keeps it)")
	rootCmd.Flags().BoolVar(&headful, "headful", false, "Show the browser window")
	rootCmd.Flags().StringVar(&remote, "remote", "", "DevTools WebSocket URL of a running Chrome")
	rootCmd.Flags().StringVar(&profile, "profile", "", "Chrome/Chromium profile directory for authenticated sessions (close browser first)")
	rootCmd.Flags().BoolVar(&stealthy, "stealth", false, "Hide common automation fingerprints")

	rootCmd.AddCommand(prefsCmd())

	if err := rootCmd.Execute(); err != nil {
		report(os.Stderr, err)
		os.Exit(1)
	}
}

// errReported marks a failure the run's notice already told the user about.
var errReported = errors.New("already reported")

func report(w io.Writer, err error) {
	if errors.Is(err, errReported) {
		return
	}
	fmt.Fprintf(w, "✕ %v\n", err)
}

func run(cmd *cobra.Command, args []string) error {
	url := args[0]
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logVerbose("Starting pagesnap")
	logVerbose("  URL: %s", url)
	logVerbose("  Delivery: %s (%s)", cfg.Preferences.Delivery, cfg.Preferences.EffectiveFormat())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Open the page
	fmt.Printf("→ Opening %s... ", url)
	b, err := browser.Open(ctx, url, browser.Options{
		Width:             cfg.Browser.Width,
		Height:            cfg.Browser.Height,
		DeviceScaleFactor: cfg.Browser.Scale,
		Timeout:           cfg.Browser.Timeout.Duration,
		Headless:          cfg.Browser.Headless,
		ProfileDir:        cfg.Browser.Profile,
		RemoteURL:         cfg.Browser.Remote,
		Stealth:           cfg.Browser.Stealth,
		JPEGQuality:       cfg.Capture.JPEGQuality,
		Logger:            logger,
	})
	if err != nil {
		fmt.Println("failed")
		return fmt.Errorf("open failed: %w", err)
	}
	defer b.Close()
	fmt.Println("done")

	notifier := notify.Multi{notify.NewWriter(os.Stdout)}
	var toaster *overlay.Toaster
	if cfg.Browser.Visible() {
		toaster = overlay.NewToaster(b.Page())
		notifier = append(notifier, toaster)
	}
	clip := &delivery.SystemClipboard{}

	p := pipeline.New(pipeline.Deps{
		Host:        b,
		Indicator:   overlay.New(b.Page(), logger),
		Preferences: preferenceSource(cmd, cfg),
		Clipboard:   clip,
		Files:       delivery.FileSaver{Dir: cfg.OutputDir},
		Notifier:    notifier,
	}, pipeline.Options{
		Executor:    cfg.ExecutorOptions(),
		Overlap:     cfg.Capture.Overlap,
		JPEGQuality: cfg.Capture.JPEGQuality,
		MaxWidth:    cfg.Capture.MaxWidth,
		Logger:      logger,
	})

	// During a capture the first Ctrl-C stops at the next step boundary and
	// a second one aborts. Outside a capture Ctrl-C ends the wait and quits.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		cancelling := false
		for {
			select {
			case <-sigs:
			case <-ctx.Done():
				return
			}
			if cancelling || !p.Running() {
				cancel()
				return
			}
			cancelling = true
			fmt.Println("\n→ Cancelling after the current frame (Ctrl-C again to abort)...")
			p.Cancel()
		}
	}()

	// The final toast must stay up before the deferred Close takes the page.
	if toaster != nil {
		defer toaster.Wait(ctx)
	}

	// Step 2: Capture
	fmt.Println("→ Capturing...")
	res, err := p.Run(ctx)
	if err != nil {
		logger.Debug("capture failed", "error", err)
		return fmt.Errorf("%w: %w", errReported, err)
	}
	logVerbose("  %d steps, %d bytes", res.Steps, res.Size)

	// Step 3: Keep the copied image available after a clipboard delivery
	if res.Clipboard && delivery.ServedByProcess() {
		hold := cfg.ClipboardHold.Duration
		fmt.Printf("→ Holding the image on the clipboard for up to %s, paste it now (Ctrl-C to quit)... ", hold)
		if clip.Hold(ctx, hold) {
			fmt.Println("replaced")
		} else {
			fmt.Println("released")
		}
	}
	return nil
}

// preferenceSource returns the persisted preferences unless the command line
// overrides them for this run.
func preferenceSource(cmd *cobra.Command, cfg *config.Config) pipeline.PreferenceSource {
	if cmd.Flags().Changed("delivery") || cmd.Flags().Changed("format") {
		return config.Static(cfg.Preferences)
	}
	return config.Store{Path: resolvedConfigPath()}
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("delivery") {
		m, err := config.ParseDeliveryMode(deliver)
		if err != nil {
			return err
		}
		cfg.Preferences.Delivery = m
	}
	if flags.Changed("format") {
		f, err := imagefmt.Parse(format)
		if err != nil {
			return err
		}
		cfg.Preferences.Format = f
	}
	if flags.Changed("output") {
		cfg.OutputDir = output
	}
	if flags.Changed("width") {
		cfg.Browser.Width = width
	}
	if flags.Changed("height") {
		cfg.Browser.Height = height
	}
	if flags.Changed("scale") {
		cfg.Browser.Scale = scale
	}
	if flags.Changed("max-width") {
		cfg.Capture.MaxWidth = maxWidth
	}
	if flags.Changed("headful") {
		cfg.Browser.Headless = !headful
	}
	if flags.Changed("remote") {
		cfg.Browser.Remote = remote
	}
	if flags.Changed("profile") {
		cfg.Browser.Profile = profile
	}
	if flags.Changed("stealth") {
		cfg.Browser.Stealth = stealthy
	}
	return nil
}

func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change the saved delivery preferences",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the saved preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefs, err := config.Store{Path: resolvedConfigPath()}.Preferences(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("delivery: %s\nformat:   %s\n", prefs.Delivery, prefs.Format)
			if prefs.Delivery == config.DeliverClipboard && prefs.Format != imagefmt.PNG {
				fmt.Println("(clipboard copies are always png)")
			}
			return nil
		},
	}

	var setDelivery, setFormat string
	set := &cobra.Command{
		Use:   "set",
		Short: "Save delivery preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := config.Store{Path: resolvedConfigPath()}
			prefs, err := store.Preferences(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("delivery") {
				if prefs.Delivery, err = config.ParseDeliveryMode(setDelivery); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("format") {
				if prefs.Format, err = imagefmt.Parse(setFormat); err != nil {
					return err
				}
			}
			if err := store.SetPreferences(prefs); err != nil {
				return fmt.Errorf("save preferences: %w", err)
			}
			fmt.Printf("✓ Saved to %s\n", store.Path)
			return nil
		},
	}
	set.Flags().StringVar(&setDelivery, "delivery", "", "Delivery: clipboard, file")
	set.Flags().StringVar(&setFormat, "format", "", "Image format: png, jpeg")

	cmd.AddCommand(show, set)
	return cmd
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	path := resolvedConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logVerbose("  Config: %s", path)
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func logVerbose(msg string, args ...any) {
	if verbose {
		fmt.Printf(msg+"\n", args...)
	}
}
