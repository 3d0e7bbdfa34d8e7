package bartleby

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ksco/bartleby/pkg/utils"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateEmpty State = iota
	StateConfiguring
	StateBuilt
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateConfiguring:
		return "configuring"
	case StateBuilt:
		return "built"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) terminal() bool {
	return s == StateBuilt || s == StateFailed
}

// Session accumulates objects and archives, then builds one archive in
// which every global definition carries the configured prefix. A session
// builds once; every call after Build fails with ErrSessionConsumed.
type Session struct {
	mu     sync.Mutex
	opts   options
	logger log.Logger

	ctx       *Context
	state     State
	prefixSet bool
	added     int
	err       error
}

func NewSession(opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx := NewContext()
	ctx.Arg.SkipSymbols.Add(o.skipSymbols...)
	ctx.Arg.SkipPrefixes = o.skipPrefixes

	return &Session{
		opts:   o,
		logger: o.logger,
		ctx:    ctx,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error a failed build ended with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) checkUsable() error {
	if s.state.terminal() {
		return errors.Wrapf(ErrSessionConsumed, "session is %s", s.state)
	}
	return nil
}

// SetPrefix configures the prefix. It can be set once.
func (s *Session) SetPrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}
	if s.prefixSet {
		return errors.Wrapf(ErrInvalidPrefix, "prefix already set to %q", s.ctx.Arg.Prefix)
	}
	if err := ValidatePrefix(prefix); err != nil {
		return err
	}

	s.ctx.Arg.Prefix = prefix
	s.prefixSet = true
	s.state = StateConfiguring
	level.Debug(s.logger).Log("msg", "prefix set", "prefix", prefix)
	return nil
}

// AddBinary adds an object, an archive or a universal binary of either.
// Loose objects are named "<n>.o" after their position among the
// session's objects.
func (s *Session) AddBinary(buf []byte) error {
	return s.AddNamedBinary("", buf)
}

// AddNamedBinary adds an object or an archive under name. A loose
// object's base name becomes its member name. buf is copied. On error the
// session is left as it was.
func (s *Session) AddNamedBinary(name string, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}

	contents := append([]byte(nil), buf...)
	if name == "" {
		if GetFileType(contents) == FileTypeAr {
			name = fmt.Sprintf("input%d.a", s.added+1)
		} else {
			name = fmt.Sprintf("%d.o", s.ctx.ObjectCount()+1)
		}
	}

	objs, err := ReadFile(s.ctx, NewFile(name, contents))
	s.opts.metrics.binaryAdded(err)
	if err != nil {
		level.Warn(s.logger).Log("msg", "binary rejected", "name", name, "err", err)
		return err
	}

	s.added++
	s.state = StateConfiguring
	level.Debug(s.logger).Log(
		"msg", "binary added",
		"name", name,
		"objects", len(objs),
		"format", s.ctx.FormatName(),
	)
	return nil
}

// SymbolInfo describes one non-local symbol name of the session.
type SymbolInfo struct {
	Name       string
	Defined    bool
	Weak       bool
	Common     bool
	DefinedIn  string
	References int
	// NewName is empty when the name is left as is.
	NewName string
}

// Symbols reports every non-local symbol name seen so far, sorted by name,
// with the name it gets if the session is built now.
func (s *Session) Symbols() ([]SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return nil, err
	}

	p := s.ctx.Policy()
	infos := lo.MapToSlice(s.ctx.SymbolMap, func(name string, sym *Symbol) SymbolInfo {
		info := SymbolInfo{
			Name:       name,
			Defined:    sym.IsDefined(),
			Weak:       sym.IsWeak,
			Common:     sym.IsCommon,
			References: sym.References,
		}
		if sym.IsDefined() {
			info.DefinedIn = sym.File.Name()
			if !p.Excluded(name) {
				info.NewName = p.NewName(name)
			}
		}
		return info
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}

// Build renames, rewrites and packs every object added so far. The
// session is consumed whatever the outcome.
func (s *Session) Build() (out []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return nil, err
	}

	defer func() {
		s.opts.metrics.buildDone(len(out), err)
		if err != nil {
			s.state = StateFailed
			s.err = err
			level.Error(s.logger).Log("msg", "build failed", "err", err)
		} else {
			s.state = StateBuilt
		}
		s.ctx.Release()
	}()

	return s.build()
}

func (s *Session) build() ([]byte, error) {
	ctx := s.ctx

	plans, err := PlanRenames(ctx)
	if err != nil {
		return nil, err
	}
	s.logPlans(plans)

	rewritten := make([]*RewrittenObject, len(plans))
	g := errgroup.Group{}
	g.SetLimit(s.opts.concurrency)
	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			r, err := RewriteObject(plan)
			if err != nil {
				return err
			}
			rewritten[i] = r
			s.opts.metrics.objectRewritten(len(plan.Renames))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	write := WriteArchive
	if ctx.Universal() {
		write = WriteUniversal
	}
	buf, err := write(ctx, rewritten)
	if err != nil {
		return nil, err
	}

	renamed := lo.SumBy(plans, func(p *ObjectPlan) int { return len(p.Renames) })
	level.Info(s.logger).Log(
		"msg", "archive built",
		"objects", len(rewritten),
		"renamed", renamed,
		"size", len(buf),
	)
	return buf, nil
}

func (s *Session) logPlans(plans []*ObjectPlan) {
	logger := level.Debug(s.logger)
	for _, plan := range plans {
		syms := plan.File.Symbols()
		for _, idx := range utils.SortedKeys(plan.Renames) {
			logger.Log(
				"msg", "renaming symbol",
				"object", plan.File.Name(),
				"symbol", syms[idx].Name,
				"new_name", plan.Renames[idx],
				"binding", syms[idx].Binding,
				"undefined", syms[idx].Undefined,
			)
		}
	}
}
