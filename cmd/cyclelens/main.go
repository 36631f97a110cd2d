// ABOUTME: Command-line entry point for the retain cycle detector
// ABOUTME: Loads heap images, runs rooted or global passes and prints results as JSON

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/prateek/cyclelens"
	"github.com/prateek/cyclelens/detector"
	"github.com/prateek/cyclelens/heapimage"
	"github.com/prateek/cyclelens/introspect"
	"github.com/prateek/cyclelens/remote"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// passFlags are shared by every command that runs a pass over an image
type passFlags struct {
	roots           []string
	configPath      string
	standardFilters bool
	verbose         bool
}

func (f *passFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.roots, "root", nil, "Root candidate address (repeatable, hex or decimal)")
	cmd.Flags().StringVar(&f.configPath, "config", "", "YAML configuration file")
	cmd.Flags().BoolVar(&f.standardFilters, "standard-filters", false, "Apply the standard platform edge filters")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log debug events to stderr")
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cyclelens",
		Short: "Find retain cycles in heap images",
		Long: `cyclelens scans the heap of a halted process for live objects, builds the
graph of strong references between them and reports the retain cycles in it.

Heap images are JSON or YAML documents, optionally zstd-compressed.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	var scanFlags passFlags
	var maxLength int
	var global bool
	scanCmd := &cobra.Command{
		Use:   "scan IMAGE",
		Short: "Report retain cycles in a heap image",
		Long: `Without root candidates (from --root or carried by the image), or with
--global, every live object is inspected and one cycle is reported per
strongly connected region. Otherwise cycles through the candidates are
reported, bounded by --max-length.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, candidates, err := openDetector(args[0], &scanFlags, stderr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var res *detector.Result
			if global || len(candidates) == 0 {
				res, err = d.FindAllRetainCycles(ctx)
			} else if cmd.Flags().Changed("max-length") {
				res, err = d.FindRetainCyclesWithMaxLength(ctx, maxLength)
			} else {
				res, err = d.FindRetainCycles(ctx)
			}
			if err != nil {
				return err
			}
			return writeJSON(stdout, res)
		},
	}
	scanFlags.register(scanCmd)
	scanCmd.Flags().IntVar(&maxLength, "max-length", detector.DefaultMaxCycleLength, "Longest cycle reported in rooted mode")
	scanCmd.Flags().BoolVar(&global, "global", false, "Inspect every live object even when root candidates are given")

	var refsFlags passFlags
	refsCmd := &cobra.Command{
		Use:   "refs IMAGE ADDR",
		Short: "Show the strong references from and to one object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[1])
			if err != nil {
				return err
			}
			d, _, err := openDetector(args[0], &refsFlags, stderr)
			if err != nil {
				return err
			}
			refs, err := d.StrongReferences(context.Background(), addr)
			if err != nil {
				return err
			}
			return writeJSON(stdout, refs)
		},
	}
	refsFlags.register(refsCmd)

	var pathsFlags passFlags
	var maxPaths int
	pathsCmd := &cobra.Command{
		Use:   "paths IMAGE ADDR",
		Short: "Show how root candidates retain one object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[1])
			if err != nil {
				return err
			}
			d, _, err := openDetector(args[0], &pathsFlags, stderr)
			if err != nil {
				return err
			}
			paths, err := d.RetainingPaths(context.Background(), addr, maxPaths)
			if err != nil {
				return err
			}
			return writeJSON(stdout, paths)
		},
	}
	pathsFlags.register(pathsCmd)
	pathsCmd.Flags().IntVar(&maxPaths, "max-paths", 5, "Maximum number of paths")

	var delveAddr string
	var count int
	readCmd := &cobra.Command{
		Use:   "read ADDR",
		Short: "Read raw words from a process halted under a headless Delve server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			mem, client, err := remote.Dial(delveAddr, remote.Options{})
			if err != nil {
				return err
			}
			defer client.Disconnect(false)
			return readWords(stdout, mem, addr, count)
		},
	}
	readCmd.Flags().StringVar(&delveAddr, "delve", "localhost:2345", "Address of the headless Delve server")
	readCmd.Flags().IntVarP(&count, "count", "n", 4, "Number of words to read")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the cyclelens version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "cyclelens %s\n", cyclelens.Version)
		},
	}

	rootCmd.AddCommand(scanCmd, refsCmd, pathsCmd, readCmd, versionCmd)
	return rootCmd
}

// openDetector loads the image and configuration and registers candidates
// from the flags followed by those the image carries
func openDetector(path string, f *passFlags, stderr io.Writer) (*detector.Detector, []introspect.Address, error) {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg := detector.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = detector.LoadConfigFile(f.configPath); err != nil {
			return nil, nil, err
		}
	}
	if f.standardFilters {
		cfg.StandardFilters = true
	}

	im, err := heapimage.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	host, err := detector.HostOf(im)
	if err != nil {
		return nil, nil, err
	}
	d, err := detector.New(host, cfg, detector.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	for _, s := range f.roots {
		addr, err := parseAddress(s)
		if err != nil {
			return nil, nil, err
		}
		d.AddCandidate(addr)
	}
	for _, addr := range im.Roots() {
		d.AddCandidate(addr)
	}
	return d, d.Candidates(), nil
}

func parseAddress(s string) (introspect.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return introspect.Address(v), nil
}

func readWords(w io.Writer, mem introspect.Memory, addr introspect.Address, count int) error {
	step := introspect.Address(mem.PointerSize())
	for i := 0; i < count; i++ {
		a := addr + introspect.Address(i)*step
		v, err := mem.ReadWord(a)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "0x%016x: %#x\n", uint64(a), v)
	}
	return nil
}

// writeJSON indents output for terminals and keeps it compact for pipes
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
