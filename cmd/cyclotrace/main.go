// cyclotrace inspects structured trace streams: span summaries, causal
// filtering around goal spans, and headless row layouts.
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/cyclotrace/cyclotrace/layout"
	"github.com/cyclotrace/cyclotrace/trace"
	"github.com/cyclotrace/cyclotrace/trace/spans"
	"github.com/cyclotrace/cyclotrace/trace/tree"
)

// version is set by ldflags at build time.
var version = "dev"

var (
	flagQuiet bool

	logger *zap.Logger
)

// fileConfig is the optional YAML config for the filter command.
type fileConfig struct {
	Goals           []string `yaml:"goals"`
	HideWakeupsFrom []string `yaml:"hide_wakeups_from"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setupLogger() {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if flagQuiet {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	}
	var err error
	logger, err = cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cyclotrace: %s\n", err)
		os.Exit(1)
	}
}

// readTrace slurps a trace file, transparently decompressing snappy.
func readTrace(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return trace.ReadAll(f)
}

// loadState replays all events of a trace into a fresh reconstruction
// state. Malformed events are logged and skipped.
func loadState(path string) (*spans.State, *spans.CPUIndex, error) {
	data, err := readTrace(path)
	if err != nil {
		return nil, nil, err
	}
	evs, err := trace.DecodeAll(data)
	if err != nil {
		logger.Warn("skipping malformed events", zap.Error(err))
	}
	st := spans.NewState()
	st.WithLogger(logger)
	cpu := spans.NewCPUIndex()
	cpu.WithLogger(logger)
	for _, ev := range evs {
		st.AddEvent(ev)
		cpu.AddEvent(ev)
	}
	return st, cpu, nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <trace>",
		Short: "print span counts and the trace end time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := loadState(args[0])
			if err != nil {
				return err
			}

			data, err := readTrace(args[0])
			if err != nil {
				return err
			}
			t := tree.New(nil, nil)
			t.WithLogger(logger)
			chunks, err := trace.Split(data)
			if err != nil {
				logger.Warn("skipping malformed chunks", zap.Error(err))
			}
			for _, chunk := range chunks {
				if err := t.Add(chunk); err != nil {
					logger.Warn("skipping event", zap.Error(err))
				}
			}

			fmt.Printf("spans:    %d\n", st.Len())
			fmt.Printf("active:   %d\n", st.ActiveCount())
			fmt.Printf("finished: %d\n", st.FinishedCount())
			fmt.Printf("roots:    %d\n", len(t.Roots()))
			fmt.Printf("end time: %s\n", st.EndTime())
			return nil
		},
	}
}

func filterCmd() *cobra.Command {
	var (
		flagGoals  []string
		flagHide   []string
		flagConfig string
	)
	cmd := &cobra.Command{
		Use:   "filter <trace>",
		Short: "print the causal neighborhood of the goal spans",
		Long: `Keeps every span whose name matches a goal, plus its ancestors and its
whole subtree, and the wakeup edges between surviving spans. With no
goals, everything is kept. The output is a replayable trace stream.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goals, hide := flagGoals, flagHide
			cfg, err := loadFileConfig(flagConfig)
			if err != nil {
				return err
			}
			if cfg != nil {
				if len(goals) == 0 {
					goals = cfg.Goals
				}
				if !cmd.Flags().Changed("hide-wakeups-from") && cfg.HideWakeupsFrom != nil {
					hide = cfg.HideWakeupsFrom
				}
			}

			data, err := readTrace(args[0])
			if err != nil {
				return err
			}
			t := tree.New(goals, hide)
			t.WithLogger(logger)
			chunks, err := trace.Split(data)
			if err != nil {
				logger.Warn("skipping malformed chunks", zap.Error(err))
			}
			for _, chunk := range chunks {
				if err := t.Add(chunk); err != nil {
					logger.Warn("skipping event", zap.Error(err))
				}
			}
			for _, line := range t.Filter() {
				os.Stdout.Write(line)
				os.Stdout.Write([]byte{'\n'})
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flagGoals, "goal", nil, "span name to keep, repeatable (default: keep everything)")
	cmd.Flags().StringSliceVar(&flagHide, "hide-wakeups-from", []string{"Control"}, "span names whose outgoing wakeups are dropped")
	cmd.Flags().StringVar(&flagConfig, "config", "", "YAML config with goals and hide_wakeups_from")
	return cmd
}

func layoutCmd() *cobra.Command {
	var (
		flagAlgo  string
		flagStart time.Duration
		flagEnd   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "layout <trace>",
		Short: "assign rows to spans and print them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cpu, err := loadState(args[0])
			if err != nil {
				return err
			}

			var assigner layout.RowAssigner
			switch flagAlgo {
			case "sweep":
				sw := layout.NewSweep()
				sw.WithLogger(logger)
				assigner = sw
			case "pack":
				p := layout.NewPacker()
				p.WithLogger(logger)
				p.WithCPUIndex(cpu)
				assigner = p
			default:
				return fmt.Errorf("unknown layout algorithm %q", flagAlgo)
			}

			start := trace.Timestamp(flagStart)
			end := trace.Timestamp(flagEnd)
			if !cmd.Flags().Changed("end") {
				end = st.EndTime()
			}

			l := assigner.AssignRows(st.Select(start, end))
			laid := l.Spans
			sort.SliceStable(laid, func(i, j int) bool {
				if laid[i].Row != laid[j].Row {
					return laid[i].Row < laid[j].Row
				}
				return laid[i].Span.Start < laid[j].Span.Start
			})
			fmt.Printf("rows: %d\n", l.TotalRows)
			for _, ls := range laid {
				fmt.Printf("%4d  %12s  %12s  %-16s  %s\n",
					ls.Row, ls.Span.Start, ls.Span.End, ls.Span.Style, ls.Span.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagAlgo, "algo", "sweep", "layout algorithm: sweep, pack")
	cmd.Flags().DurationVar(&flagStart, "start", 0, "window start")
	cmd.Flags().DurationVar(&flagEnd, "end", 0, "window end (default: trace end time)")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "cyclotrace",
		Short: "structured trace inspection",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "only log errors")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print cyclotrace version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cyclotrace %s\n", version)
		},
	}

	rootCmd.AddCommand(infoCmd(), filterCmd(), layoutCmd(), followCmd(), versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cyclotrace: %s\n", err)
		os.Exit(1)
	}
}
