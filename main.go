package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pagemirror/mirror"
)

// ==========================================
// [command line]
// ==========================================

type cliOptions struct {
	output     string
	depth      int
	configFile string
	localize   []string
	hints      []string
	headers    []string
	timeout    time.Duration
	rate       float64
	yes        bool
	verbose    bool
	logJSON    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts cliOptions

	cmd := &cobra.Command{
		Use:           "pagemirror [flags] <url>",
		Short:         "Mirror a web page and its static resources for offline viewing",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "output directory (default: the URL's host)")
	f.IntVarP(&opts.depth, "depth", "d", 3, "crawl depth (accepted; only the entry page is mirrored)")
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	f.StringSliceVar(&opts.localize, "localize", nil, "extra domain whose resources are downloaded (repeatable)")
	f.StringSliceVar(&opts.hints, "hint", nil, "extra domain whose preconnect/dns-prefetch hints are removed (repeatable)")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, `static request header "Name: value" (repeatable)`)
	f.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout (default 30s)")
	f.Float64Var(&opts.rate, "rate", 0, "maximum requests per second (0 = unlimited)")
	f.BoolVarP(&opts.yes, "yes", "y", false, "replace an existing output directory without asking")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.BoolVar(&opts.logJSON, "log-json", false, "log as JSON lines")

	return cmd
}

func run(cmd *cobra.Command, entryURL string, opts cliOptions) error {
	if _, err := mirror.ValidateEntryURL(entryURL); err != nil {
		return err
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}

	outputDir := opts.output
	if outputDir == "" {
		outputDir = mirror.DefaultOutputDir(entryURL)
		fmt.Fprintf(cmd.OutOrStdout(), "Output directory not given, using %s\n", outputDir)
	}

	ok, err := prepareOutput(cmd.InOrStdin(), cmd.OutOrStdout(), outputDir, opts.yes)
	if err != nil || !ok {
		return err
	}

	log := newLogger(cmd.ErrOrStderr(), opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	printStartInfo(cmd.OutOrStdout(), entryURL, outputDir)
	res, err := mirror.Clone(ctx, entryURL, outputDir, mirror.Options{
		Config: &cfg,
		Depth:  opts.depth,
		Log:    log,
	})
	printResult(cmd.OutOrStdout(), res, err)
	return err
}

// buildConfig layers the config file and flags over the defaults.
func buildConfig(opts cliOptions) (mirror.Config, error) {
	cfg := mirror.DefaultConfig()
	if opts.configFile != "" {
		var err error
		if cfg, err = mirror.LoadConfig(opts.configFile); err != nil {
			return cfg, err
		}
	}

	cfg.LocalizeDomains = append(cfg.LocalizeDomains, opts.localize...)
	cfg.HintDomains = append(cfg.HintDomains, opts.hints...)
	if opts.timeout > 0 {
		cfg.Timeout = opts.timeout
	}
	if opts.rate > 0 {
		cfg.RateLimit = opts.rate
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return cfg, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		cfg.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return cfg, nil
}

func newLogger(w io.Writer, opts cliOptions) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	if opts.logJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// ==========================================
// [output directory]
// ==========================================

// prepareOutput asks whether an existing output directory should be removed.
// Keeping it is allowed; its files then take part in filename collisions.
func prepareOutput(in io.Reader, out io.Writer, dir string, yes bool) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return true, nil
	}

	if !yes {
		absPath, _ := filepath.Abs(dir)
		fmt.Fprintf(out, "\nOutput directory already exists.\n   path: %s\n", absPath)
		fmt.Fprint(out, "   Delete it and start fresh? (Y/n/k = keep): ")

		answer, _ := bufio.NewReader(in).ReadString('\n')
		switch strings.TrimSpace(strings.ToLower(answer)) {
		case "", "y", "yes":
		case "k", "keep":
			return true, nil
		default:
			fmt.Fprintln(out, "Canceled.")
			return false, nil
		}
	}

	fmt.Fprintln(out, "Removing existing output directory...")
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove %s: %w", dir, err)
	}
	return true, nil
}

// ==========================================
// [reporting]
// ==========================================

func printStartInfo(w io.Writer, entryURL, outputDir string) {
	absOut, _ := filepath.Abs(outputDir)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Mirroring %s\n   output: %s\n", entryURL, absOut)
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

func printResult(w io.Writer, res mirror.Result, err error) {
	fmt.Fprintln(w, strings.Repeat("=", 50))
	switch {
	case err == nil:
		color.New(color.FgGreen).Fprintln(w, "Done.")
	case errors.Is(err, mirror.ErrCanceled):
		color.New(color.FgYellow).Fprintln(w, "Interrupted, the mirror is incomplete.")
	default:
		color.New(color.FgRed).Fprintf(w, "Failed: %v\n", err)
	}
	fmt.Fprintf(w, "Total %d files, %s bytes downloaded", res.Files, humanize.Comma(res.Bytes))
	if res.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", res.Failed)
	}
	fmt.Fprintln(w)
	if res.EntryPath != "" {
		fmt.Fprintf(w, "Open: file://%s\n", filepath.ToSlash(res.EntryPath))
	}
}
