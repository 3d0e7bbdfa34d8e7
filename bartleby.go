package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/ksco/bartleby/pkg/bartleby"
)

var cfg struct {
	verbose        bool
	inputs         []string
	prefix         string
	output         string
	displaySymbols bool
	skipSymbols    []string
	skipPrefixes   []string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Prefix the global symbols of objects and archives and pack them into one static archive.").UsageWriter(os.Stdout)
	app.Version(version.Print("bartleby"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").BoolVar(&cfg.verbose)
	app.Flag("if", "Input object or archive. Can be repeated.").Required().ExistingFilesVar(&cfg.inputs)
	app.Flag("prefix", "Prefix added to every global defined symbol.").Envar("BARTLEBY_PREFIX").StringVar(&cfg.prefix)
	app.Flag("of", "Output archive.").Required().StringVar(&cfg.output)
	app.Flag("display-symbols", "Print the symbol table of the session before building.").BoolVar(&cfg.displaySymbols)
	app.Flag("skip-symbol", "Symbol that keeps its name. Can be repeated.").StringsVar(&cfg.skipSymbols)
	app.Flag("skip-prefix", "Symbols starting with this keep their names. Can be repeated.").StringsVar(&cfg.skipPrefixes)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	os.Exit(checkError(run(os.Stdout)))
}

func run(out io.Writer) error {
	s := bartleby.NewSession(
		bartleby.WithLogger(log.With(logger, "component", "session")),
		bartleby.WithSkipSymbols(cfg.skipSymbols...),
		bartleby.WithSkipPrefixes(cfg.skipPrefixes...),
	)

	if cfg.prefix != "" {
		if err := s.SetPrefix(cfg.prefix); err != nil {
			return err
		}
	}

	for _, path := range cfg.inputs {
		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		if err := s.AddBinary(buf); err != nil {
			return errors.Wrapf(err, "adding %s", path)
		}
	}

	if cfg.displaySymbols {
		symbols, err := s.Symbols()
		if err != nil {
			return err
		}
		printSymbols(out, symbols)
	}

	buf, err := s.Build()
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.output, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", cfg.output)
	}

	level.Info(logger).Log("msg", "wrote archive", "path", cfg.output, "size", humanize.Bytes(uint64(len(buf))))
	return nil
}

func printSymbols(out io.Writer, symbols []bartleby.SymbolInfo) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Symbol", "Defined", "Weak", "Common", "Defined In", "References", "New Name"})
	for _, sym := range symbols {
		table.Append([]string{
			sym.Name,
			strconv.FormatBool(sym.Defined),
			strconv.FormatBool(sym.Weak),
			strconv.FormatBool(sym.Common),
			sym.DefinedIn,
			strconv.Itoa(sym.References),
			sym.NewName,
		})
	}
	table.Render()
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, bartleby.ErrInternal) {
		fmt.Fprintf(os.Stderr, "internal error: %v\n", err)
		return 2
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
