package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/callconv"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/config"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/diag"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/regalloc"
)

var version = "0.1.0"

// Debug flags for dumping pass results
var (
	dLive   bool
	dInterf bool
	dAlloc  bool
	dSlots  bool
	dConv   bool
	dAsm    bool
)

// Allocator options
var (
	configPath string
	jobs       int
	dumpDir    string
	noCoalesce bool
	verify     bool
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	// Single-dash debug flags are accepted for compatibility with other
	// compilers' -d options.
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

var debugFlagNames = []string{"dlive", "dinterf", "dalloc", "dslots", "dconv", "dasm"}

// normalizeFlags converts single-dash debug flags like -dalloc to --dalloc
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = arg
		for _, name := range debugFlagNames {
			if arg == "-"+name {
				result[i] = "--" + name
				break
			}
		}
	}
	return result
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sysy-ra [file.ir]",
		Short: "sysy-ra allocates registers for RISC-V IR",
		Long: `sysy-ra reads a program in the textual RISC-V IR, allocates
registers for every function by graph coloring, inserts spill code and
call save/restore code, and prints the result.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				fmt.Fprintf(errOut, "sysy-ra: %v\n", err)
				return err
			}
			if err := compile(cmd.Context(), args[0], cfg, out, errOut); err != nil {
				fmt.Fprintf(errOut, "sysy-ra: %v\n", err)
				return err
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().BoolVar(&dLive, "dlive", false, "Dump block liveness")
	rootCmd.Flags().BoolVar(&dInterf, "dinterf", false, "Dump interference graphs")
	rootCmd.Flags().BoolVar(&dAlloc, "dalloc", false, "Dump register assignment")
	rootCmd.Flags().BoolVar(&dSlots, "dslots", false, "Dump spill slots")
	rootCmd.Flags().BoolVar(&dConv, "dconv", false, "Dump call save/restore analysis and frames")
	rootCmd.Flags().BoolVar(&dAsm, "dasm", false, "Dump rewritten IR")

	rootCmd.Flags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "Functions allocated in parallel")
	rootCmd.Flags().StringVar(&dumpDir, "dump-dir", "", "Write per-function allocation traces into this directory")
	rootCmd.Flags().BoolVar(&noCoalesce, "no-coalesce", false, "Disable copy coalescing")
	rootCmd.Flags().BoolVar(&verify, "verify", false, "Re-check the output after allocation")
	rootCmd.Flags().SetNormalizeFunc(dashFlags)

	return rootCmd
}

// loadConfig reads --config, or the defaults, and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Alloc.Jobs = jobs
	}
	if cmd.Flags().Changed("dump-dir") {
		cfg.Diag.DumpDir = dumpDir
	}
	if noCoalesce {
		cfg.Alloc.Coalesce = false
	}
	return cfg, cfg.Validate()
}

// dashFlags accepts config-style spellings such as --no_coalesce.
func dashFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func anyDump() bool {
	return dLive || dInterf || dAlloc || dSlots || dConv || dAsm
}

// compile runs the whole pipeline on one file. Requested dumps are written
// next to the input and to out; without any, the final program goes to out.
func compile(ctx context.Context, filename string, cfg *config.Config, out, errOut io.Writer) error {
	logger, err := diag.NewLogger(cfg.Diag.Level, errOut)
	if err != nil {
		return err
	}
	opts, err := regalloc.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Diag = diag.NewCollector(logger)

	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "reading input")
	}
	prog, err := lir.Parse(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "%s", filename)
	}

	if dLive {
		if err := emit(filename, ".live", out, func(w io.Writer) error { return dumpLiveness(w, prog) }); err != nil {
			return err
		}
	}
	if dInterf {
		if err := emit(filename, ".interf", out, func(w io.Writer) error { return dumpInterference(w, prog, opts) }); err != nil {
			return err
		}
	}

	stats, err := regalloc.AllocateProgram(ctx, prog, opts)
	if err != nil {
		return err
	}
	if dAlloc {
		if err := emit(filename, ".alloc", out, func(w io.Writer) error { return dumpAlloc(w, prog, stats) }); err != nil {
			return err
		}
	}
	if err := regalloc.RewriteProgram(prog, stats, opts); err != nil {
		return err
	}
	if dSlots {
		if err := emit(filename, ".slots", out, func(w io.Writer) error { return dumpSlots(w, prog, stats) }); err != nil {
			return err
		}
	}

	an, err := callconv.Analyze(prog)
	if err != nil {
		return err
	}
	spillSizes := make(map[string]int, len(stats))
	for name, s := range stats {
		spillSizes[name] = s.StackSize
	}
	layouts, err := callconv.InsertProgram(prog, an, spillSizes)
	if err != nil {
		return err
	}
	for _, fn := range prog.Functions {
		logger.WithFields(logrus.Fields{"func": fn.Name}).Debugf("%s", layouts[fn.Name])
	}
	if dConv {
		if err := emit(filename, ".conv", out, func(w io.Writer) error { return dumpConv(w, prog, an, layouts) }); err != nil {
			return err
		}
	}

	if verify {
		if err := verifyProgram(prog); err != nil {
			return err
		}
	}
	if err := opts.Diag.Flush(cfg.Diag.DumpDir); err != nil {
		return err
	}
	logger.Infof("%d functions, %d spills", len(prog.Functions), opts.Diag.Total("spills"))

	if dAsm {
		return emit(filename, ".asm", out, func(w io.Writer) error {
			lir.NewPrinter(w).PrintProgram(prog)
			return nil
		})
	}
	if !anyDump() {
		lir.NewPrinter(out).PrintProgram(prog)
	}
	return nil
}

// emit renders a dump into <file>.<ext> and to out.
func emit(filename, ext string, out io.Writer, render func(io.Writer) error) error {
	var sb strings.Builder
	if err := render(&sb); err != nil {
		return err
	}
	path := outputFilename(filename, ext)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	_, err := io.WriteString(out, sb.String())
	return err
}

// outputFilename returns the dump filename: input.ir -> input<ext>
func outputFilename(filename, ext string) string {
	return strings.TrimSuffix(filename, ".ir") + ext
}

// verifyProgram checks that the printed result reads back identically and
// names no virtual register.
func verifyProgram(prog *lir.Program) error {
	var sb strings.Builder
	lir.NewPrinter(&sb).PrintProgram(prog)
	text := sb.String()
	again, err := lir.ParseString(text)
	if err != nil {
		return errors.Wrap(err, "verify: output does not parse")
	}
	var sb2 strings.Builder
	lir.NewPrinter(&sb2).PrintProgram(again)
	if sb2.String() != text {
		return errors.New("verify: output does not round-trip")
	}
	for _, fn := range again.Functions {
		if vs := fn.VirtualRegs(); len(vs) > 0 {
			return errors.Errorf("verify: %s still uses %s", fn.Name, vs[0])
		}
	}
	return nil
}
