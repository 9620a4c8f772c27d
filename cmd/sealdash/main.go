package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aki237/nscjar"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/mohaanymo/sealdash"
	"github.com/mohaanymo/sealdash/internal/capture"
	"github.com/mohaanymo/sealdash/internal/config"
	"github.com/mohaanymo/sealdash/internal/convert"
	"github.com/mohaanymo/sealdash/internal/logger"
	"github.com/mohaanymo/sealdash/internal/models"
	"github.com/mohaanymo/sealdash/internal/tui"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	tea "github.com/charmbracelet/bubbletea"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	cfg, captures, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("sealdash %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if len(captures) > 1 {
		err = runBatch(ctx, cfg, captures)
	} else {
		err = run(ctx, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the TOML profile, the environment (and
// .env) and finally the flags that were given explicitly.
func loadConfig() (*config.Config, []string, error) {
	var (
		flags      = config.New()
		headers    headerFlags
		configPath string
	)

	flag.StringVar(&flags.HARPath, "har", "", "")
	flag.StringVar(&flags.CookiesFile, "cookies", "", "")
	flag.StringVar(&configPath, "config", defaultConfigPath(), "")
	flag.StringVar(&configPath, "c", defaultConfigPath(), "")
	flag.StringVar(&flags.Output, "output", "", "")
	flag.StringVar(&flags.Output, "o", "", "")
	flag.IntVar(&flags.Concurrency, "concurrency", config.DefaultConcurrency, "")
	flag.IntVar(&flags.Concurrency, "n", config.DefaultConcurrency, "")
	flag.IntVar(&flags.MaxAttempts, "attempts", config.DefaultMaxAttempts, "")
	flag.DurationVar(&flags.Timeout, "timeout", config.DefaultTimeout, "")
	flag.Int64Var(&flags.MaxBandwidth, "max-bandwidth", 0, "")
	flag.StringVar(&flags.Provider.IVMode, "iv-mode", config.DefaultIVMode, "")
	flag.StringVar(&flags.Provider.FixedIV, "fixed-iv", "", "")
	flag.StringVar(&flags.Provider.PreferredLabel, "label", config.DefaultLabel, "")
	flag.StringVar(&flags.Provider.PreferredLanguage, "lang", "", "")
	flag.StringVar(&flags.Provider.ManifestPattern, "manifest-pattern", "", "")
	flag.Var(&headers, "header", "")
	flag.Var(&headers, "H", "")
	flag.BoolVar(&flags.Convert, "flac", false, "")
	flag.BoolVar(&flags.Overwrite, "overwrite", false, "")
	flag.BoolVar(&flags.Overwrite, "f", false, "")
	flag.BoolVar(&flags.NoProgress, "no-progress", false, "")
	flag.BoolVar(&flags.Verbose, "verbose", false, "")
	flag.BoolVar(&flags.Verbose, "v", false, "")
	flag.StringVar(&flags.LogLevel, "log-level", config.DefaultLogLevel, "")
	flag.StringVar(&flags.LogFile, "log-file", "", "")
	flag.BoolVar(&flags.ShowVersion, "version", false, "")

	flag.Usage = printUsage
	flag.Parse()

	var captures []string
	if flags.HARPath != "" {
		captures = append(captures, flags.HARPath)
	}
	captures = append(captures, flag.Args()...)
	if len(captures) > 0 {
		flags.HARPath = captures[0]
	}

	cfg := config.New()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, nil, err
	}
	if err := cfg.LoadEnv(".env"); err != nil {
		return nil, nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cookies":
			cfg.CookiesFile = flags.CookiesFile
		case "output", "o":
			cfg.Output = flags.Output
		case "concurrency", "n":
			cfg.Concurrency = flags.Concurrency
		case "attempts":
			cfg.MaxAttempts = flags.MaxAttempts
		case "timeout":
			cfg.Timeout = flags.Timeout
		case "max-bandwidth":
			cfg.MaxBandwidth = flags.MaxBandwidth
		case "iv-mode":
			cfg.Provider.IVMode = flags.Provider.IVMode
		case "fixed-iv":
			cfg.Provider.FixedIV = flags.Provider.FixedIV
			if flags.Provider.IVMode == config.DefaultIVMode {
				cfg.Provider.IVMode = "fixed"
			}
		case "label":
			cfg.Provider.PreferredLabel = flags.Provider.PreferredLabel
		case "lang":
			cfg.Provider.PreferredLanguage = flags.Provider.PreferredLanguage
		case "manifest-pattern":
			cfg.Provider.ManifestPattern = flags.Provider.ManifestPattern
		case "flac":
			cfg.Convert = flags.Convert
		case "overwrite", "f":
			cfg.Overwrite = flags.Overwrite
		case "no-progress":
			cfg.NoProgress = flags.NoProgress
		case "verbose", "v":
			cfg.Verbose = flags.Verbose
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-file":
			cfg.LogFile = flags.LogFile
		}
	})
	cfg.HARPath = flags.HARPath
	cfg.ShowVersion = flags.ShowVersion
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	if cfg.Output == "" && len(captures) <= 1 {
		cfg.Output = "audio.mp4"
	}

	// Parse headers
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			cfg.Headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return cfg, captures, nil
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sealdash", "config.toml")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sealdash - extract the decrypted audio of a protected DASH/HLS stream

Usage: sealdash [options] --har <session.har>
       sealdash [options] <a.har> <b.har> ...

Options:
      --har <path>            HAR export of the browsing session [required]
      --cookies <path>        Netscape cookies.txt with the session cookies
  -c, --config <path>         TOML profile (default: <user config dir>/sealdash/config.toml)
  -o, --output <path>         Output file (default: audio.mp4), or the output
                              directory when several captures are given
  -n, --concurrency <num>     Parallel segment fetches, 1-32 (default: 6)
      --attempts <num>        Attempts per segment before giving up (default: 5)
      --timeout <dur>         Per-request timeout (default: 60s)
      --max-bandwidth <B/s>   Download speed limit in bytes per second
      --iv-mode <mode>        IV derivation: manifest, sequence, fixed (default: manifest)
      --fixed-iv <hex>        IV for fixed mode (implies --iv-mode fixed)
      --label <label>         Preferred representation label (default: OriginalAudio)
      --lang <code>           Preferred language
      --manifest-pattern <re> Regexp matching the manifest URL
  -H, --header <header>       Extra header for key and segment requests (repeatable)
      --flac                  Convert to mono 16 kHz FLAC with ffmpeg afterwards
  -f, --overwrite             Replace an existing output
      --no-progress           Disable TUI progress
  -v, --verbose               Debug logging
      --log-level <level>     debug, info, warn, error (default: info)
      --log-file <path>       Write logs to a file
      --version               Show version

Environment:
  SEALDASH_* variables (also read from ./.env) override the profile,
  flags override both.

Examples:
  sealdash --har session.har -o lecture.mp4
  sealdash --har session.har --cookies cookies.txt --flac -o lecture.mp4
  sealdash -o lectures/ --flac week1.har week2.har week3.har
`)
}

func run(ctx context.Context, cfg *config.Config) error {
	if info, err := os.Stat(cfg.Output); err == nil && info.Size() > sealdash.SkipThreshold && !cfg.Overwrite {
		fmt.Printf("%s already exists (%s), skipping; use --overwrite to replace it\n",
			cfg.Output, humanize.Bytes(uint64(info.Size())))
		return nil
	}

	lock := flock.New(cfg.Output + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "acquire output lock")
	}
	if !locked {
		return errors.Errorf("another sealdash run is writing %s", cfg.Output)
	}
	defer func() {
		lock.Unlock()
		os.Remove(cfg.Output + ".lock")
	}()

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	log := zap.S()

	har, err := capture.OpenHAR(cfg.HARPath)
	if err != nil {
		return err
	}
	cookies := har.Cookies()
	if cfg.CookiesFile != "" {
		fileCookies, err := readCookiesFile(cfg.CookiesFile)
		if err != nil {
			return err
		}
		cookies = append(cookies, fileCookies...)
	}
	log.Debugw("session loaded", "entries", har.Len(), "cookies", len(cookies))

	var program *tea.Program
	opts := []sealdash.Option{
		sealdash.WithCookies(cookies),
		sealdash.WithLogger(log),
	}
	if !cfg.NoProgress {
		opts = append(opts, sealdash.WithManifestCallback(func(m *models.Manifest) {
			program.Send(tui.ManifestMsg{Manifest: m})
		}))
	}

	x, err := sealdash.NewFromConfig(cfg, opts...)
	if err != nil {
		return err
	}
	log.Infow("replayed capture", "exchanges", har.Replay(x))
	x.Close()

	if cfg.NoProgress {
		done, err := extract(ctx, cfg, x, nil)
		if err != nil {
			return err
		}
		printResult(done)
		return nil
	}

	// Run with TUI
	model := tui.NewModel(x.Progress(), cfg.HARPath)
	program = tea.NewProgram(model, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		extractErr error
		done       tui.DoneMsg
		finished   = make(chan struct{})
	)
	go func() {
		defer close(finished)
		done, extractErr = extract(ctx, cfg, x, program)
		if extractErr != nil {
			program.Send(tui.ErrorMsg{Err: extractErr})
		} else {
			program.Send(done)
		}
	}()

	_, runErr := program.Run()
	cancel()
	<-finished
	if runErr != nil {
		return errors.Wrap(runErr, "TUI error")
	}
	if extractErr != nil {
		return extractErr
	}
	printResult(done)
	return nil
}

// extract runs the extraction, writes the stream and hands it to ffmpeg
// when asked to. program may be nil.
func extract(ctx context.Context, cfg *config.Config, x *sealdash.Extractor, program *tea.Program) (tui.DoneMsg, error) {
	stage := func(s string) {
		if program != nil {
			program.Send(tui.StageMsg{Stage: s})
		}
	}

	res, err := x.Extract(ctx)
	if err != nil {
		return tui.DoneMsg{}, err
	}

	stage("writing " + filepath.Base(cfg.Output))
	size, err := sealdash.SaveStream(cfg.Output, res.Stream)
	if err != nil {
		return tui.DoneMsg{}, err
	}
	done := tui.DoneMsg{Output: cfg.Output, Size: size}
	if res.Info != nil {
		done.Info = res.Info.String()
	}

	if cfg.Convert {
		stage("converting with ffmpeg")
		ff, err := convert.NewFFmpeg(convert.Speech, zap.S())
		if err != nil {
			return done, err
		}
		flac := strings.TrimSuffix(cfg.Output, filepath.Ext(cfg.Output)) + ".flac"
		if err := ff.Convert(ctx, cfg.Output, flac); err != nil {
			return done, err
		}
		done.Output = flac
		if info, err := os.Stat(flac); err == nil {
			done.Size = info.Size()
		}
	}
	return done, nil
}

// runBatch extracts several captures one after another, naming each output
// after its capture, and reports a summary.
func runBatch(ctx context.Context, cfg *config.Config, captures []string) error {
	dir := cfg.Output
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	// Batch mode prints one line per job; logs keep the terminal.
	cfg.NoProgress = true
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	log := zap.S()

	var extra []*http.Cookie
	if cfg.CookiesFile != "" {
		extra, err = readCookiesFile(cfg.CookiesFile)
		if err != nil {
			return err
		}
	}

	b := sealdash.NewBatch(ctx,
		sealdash.WithOverwrite(cfg.Overwrite),
		sealdash.WithDefaultOptions(
			sealdash.WithConfig(cfg),
			sealdash.WithCookies(extra),
			sealdash.WithLogger(log),
		),
		sealdash.WithOnComplete(func(job *sealdash.Job) {
			st := job.Status()
			if st.State == sealdash.JobSkipped {
				fmt.Printf("- %s already exists (%s), skipped\n", st.Output, humanize.Bytes(uint64(st.Written)))
				return
			}
			fmt.Printf("✓ %s (%s, %d segments, %s)\n", st.Output,
				humanize.Bytes(uint64(st.Written)), st.Segments, st.Elapsed.Round(time.Second))
		}),
		sealdash.WithOnError(func(job *sealdash.Job, err error) {
			fmt.Printf("✗ %s: %v\n", job.HARPath, err)
		}),
	)
	b.Start()

	for i, path := range captures {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		output := filepath.Join(dir, stem+".mp4")
		if _, err := b.Add(fmt.Sprintf("%d", i+1), path, output); err != nil {
			b.Stop()
			return err
		}
	}
	b.Wait()

	var failed int
	for _, job := range b.Jobs() {
		st := job.Status()
		if st.State == sealdash.JobFailed || st.State == sealdash.JobCanceled {
			failed++
			continue
		}
		if !cfg.Convert || st.State != sealdash.JobCompleted {
			continue
		}
		ff, err := convert.NewFFmpeg(convert.Speech, log)
		if err != nil {
			return err
		}
		flac := strings.TrimSuffix(st.Output, filepath.Ext(st.Output)) + ".flac"
		if err := ff.Convert(ctx, st.Output, flac); err != nil {
			fmt.Printf("✗ %s: %v\n", flac, err)
			failed++
		}
	}

	stats := b.Stats()
	fmt.Printf("\nCompleted: %d/%d (%d skipped)\n", stats.Completed+stats.Skipped, stats.Total, stats.Skipped)
	if failed > 0 {
		return errors.Errorf("%d of %d captures failed", failed, len(captures))
	}
	return nil
}

// setupLogging keeps the terminal for the TUI: logs go to the log file, or
// nowhere, while it runs.
func setupLogging(cfg *config.Config) (func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		w = f
		closeFn = func() { f.Close() }
	} else if !cfg.NoProgress {
		w = io.Discard
	}

	logger.InitWriter(cfg.LogLevel, w)
	return func() {
		logger.Sync()
		closeFn()
	}, nil
}

func readCookiesFile(path string) ([]*http.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open cookies file")
	}
	defer f.Close()

	var parser nscjar.Parser
	cookies, err := parser.Unmarshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "parse cookies file")
	}
	return cookies, nil
}

func printResult(done tui.DoneMsg) {
	fmt.Printf("\n✓ Saved to: %s (%s)\n", done.Output, humanize.Bytes(uint64(done.Size)))
	if done.Info != "" {
		fmt.Printf("  %s\n", done.Info)
	}
}

// headerFlags implements flag.Value for repeatable header flags
type headerFlags []string

func (h *headerFlags) String() string {
	return strings.Join(*h, ", ")
}

func (h *headerFlags) Set(value string) error {
	*h = append(*h, value)
	return nil
}
