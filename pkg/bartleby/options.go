package bartleby

import (
	"runtime"

	"github.com/go-kit/log"
)

// Option configures a Session.
type Option func(*options)

type options struct {
	logger      log.Logger
	metrics     *Metrics
	concurrency int

	skipSymbols  []string
	skipPrefixes []string
}

// Toolchain helpers that must keep their names in every copy of a library.
var (
	defaultSkipSymbols  = []string{"_GLOBAL_OFFSET_TABLE_"}
	defaultSkipPrefixes = []string{"__x86.get_pc_thunk."}
)

func defaultOptions() options {
	return options{
		logger:       log.NewNopLogger(),
		concurrency:  runtime.GOMAXPROCS(0),
		skipSymbols:  append([]string(nil), defaultSkipSymbols...),
		skipPrefixes: append([]string(nil), defaultSkipPrefixes...),
	}
}

// WithLogger sets the logger for symbol decisions and build summaries.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithConcurrency bounds the number of objects rewritten in parallel.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithSkipSymbols adds names that are never renamed. For Mach-O the names
// are matched with and without the leading underscore.
func WithSkipSymbols(names ...string) Option {
	return func(o *options) {
		o.skipSymbols = append(o.skipSymbols, names...)
	}
}

func WithSkipPrefixes(prefixes ...string) Option {
	return func(o *options) {
		o.skipPrefixes = append(o.skipPrefixes, prefixes...)
	}
}
