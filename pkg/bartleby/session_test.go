package bartleby

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func buildSession(t testing.TB, prefix string, files ...string) []byte {
	t.Helper()
	s := NewSession()
	if prefix != "" {
		require.NoError(t, s.SetPrefix(prefix))
	}
	for _, name := range files {
		require.NoError(t, s.AddNamedBinary(name, readTestdata(t, name)))
	}
	out, err := s.Build()
	require.NoError(t, err)
	assert.Equal(t, StateBuilt, s.State())
	return out
}

func archiveObjects(t testing.TB, ar []byte) []Object {
	t.Helper()
	files, err := ReadArchiveMembers(NewFile("out.a", ar))
	require.NoError(t, err)
	objs := make([]Object, 0, len(files))
	for _, f := range files {
		obj, err := ParseObject(f)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	return objs
}

func TestSessionRenamesDefinitions(t *testing.T) {
	out := buildSession(t, "pfx_", "basic.o")
	objs := archiveObjects(t, out)
	require.Len(t, objs, 1)
	assert.Equal(t, "out.a(basic.o)", objs[0].Name())
	assert.Equal(t,
		[]string{"", "basic.c", "", "pfx_foo", "bar", "pfx_counter", "pfx_weakfn", "pfx_tentative"},
		symbolNames(objs[0]))
	assert.Equal(t, parseTestdata(t, "basic.o").Relocations(), objs[0].Relocations())
}

func TestSessionRenamesReferencesAcrossObjects(t *testing.T) {
	out := buildSession(t, "pfx_", "libdep.a")
	objs := archiveObjects(t, out)
	require.Len(t, objs, 2)

	assert.Equal(t,
		[]string{"", "api.c", "", ".LC0", "pfx_my_api", "puts", "pfx_external_api", "pfx_internal_impl"},
		symbolNames(objs[0]))
	assert.Equal(t, "pfx_external_api", objs[1].Symbols()[5].Name)
	assert.Equal(t, "puts", objs[1].Symbols()[6].Name)
	assert.Equal(t, "memset", objs[1].Symbols()[7].Name)

	// The archive index advertises the new names.
	idx := out[len(arMagic)+arHdrSize:]
	require.EqualValues(t, 4, binary.BigEndian.Uint32(idx))
	names := bytes.Split(idx[20:20+len("pfx_my_api\x00pfx_internal_impl\x00pfx_external_api\x00pfx_external_private_impl")], []byte{0})
	assert.Equal(t, [][]byte{
		[]byte("pfx_my_api"), []byte("pfx_internal_impl"),
		[]byte("pfx_external_api"), []byte("pfx_external_private_impl"),
	}, names)
}

func TestSessionIndexesAbsoluteSymbols(t *testing.T) {
	assert.Equal(t, readTestdata(t, "libabs.a"), buildSession(t, "", "abs.o"))

	out := buildSession(t, "pfx_", "abs.o")
	objs := archiveObjects(t, out)
	require.Len(t, objs, 1)
	assert.Equal(t, []string{"", "abs_sym", "pfx_real_fn"}, symbolNames(objs[0]))

	idx := out[len(arMagic)+arHdrSize:]
	require.EqualValues(t, 2, binary.BigEndian.Uint32(idx))
	assert.Equal(t, "abs_sym\x00pfx_real_fn\x00", string(idx[12:12+len("abs_sym pfx_real_fn ")]))
}

func TestSessionMachO(t *testing.T) {
	out := buildSession(t, "pfx_", "macho64.o", "macho_user.o")
	objs := archiveObjects(t, out)
	require.Len(t, objs, 2)

	assert.Equal(t,
		[]string{"_pfx_counter", "_pfx_foo", "_pfx_hidden", "_pfx_weakfn", "_bar", "_pfx_tentative"},
		symbolNames(objs[0]))
	assert.Contains(t, symbolNames(objs[1]), "_pfx_user")
	assert.Contains(t, symbolNames(objs[1]), "_pfx_foo")
	assert.NotContains(t, symbolNames(objs[1]), "_foo")
	assert.Equal(t, "__.SYMDEF\x00\x00\x00", string(out[len(arMagic)+arHdrSize:len(arMagic)+arHdrSize+12]))
}

func TestSessionBigEndianMachO(t *testing.T) {
	s := NewSession()
	require.NoError(t, s.SetPrefix("pfx_"))
	require.NoError(t, s.AddNamedBinary("a.o", ppcObject(t, "_foo", "_bar")))
	require.NoError(t, s.AddNamedBinary("b.o", ppcObject(t, "_bar", "_foo")))
	out, err := s.Build()
	require.NoError(t, err)

	objs := archiveObjects(t, out)
	require.Len(t, objs, 2)
	assert.Equal(t, []string{"_pfx_foo", "_pfx_bar"}, symbolNames(objs[0]))
	assert.Equal(t, []string{"_pfx_bar", "_pfx_foo"}, symbolNames(objs[1]))

	// The index follows the objects' byte order.
	body := out[len(arMagic)+arHdrSize+12:]
	assert.EqualValues(t, 16, binary.BigEndian.Uint32(body))
}

func TestSessionMemberNamesAndOrder(t *testing.T) {
	s := NewSession()
	require.NoError(t, s.AddBinary(readTestdata(t, "basic.o")))
	require.NoError(t, s.AddBinary(readTestdata(t, "libdep.a")))
	require.NoError(t, s.AddNamedBinary("/some/dir/prefixed.o", readTestdata(t, "prefixed.o")))
	require.NoError(t, s.AddBinary(readTestdata(t, "collision.o")))
	out, err := s.Build()
	require.NoError(t, err)

	files, err := ReadArchiveMembers(NewFile("out.a", out))
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"1.o", "api.o", "external_dep.o", "prefixed.o", "5.o"}, names)
	assert.Equal(t, readTestdata(t, "collision.o"), files[4].Contents)
}

func TestSessionWithoutPrefixKeepsArchive(t *testing.T) {
	assert.Equal(t, readTestdata(t, "libdep.a"), buildSession(t, "", "libdep.a"))
	assert.Equal(t, readTestdata(t, "libmacho.a"), buildSession(t, "", "libmacho.a"))
}

func TestSessionIdempotent(t *testing.T) {
	first := buildSession(t, "pfx_", "libdep.a")

	s := NewSession()
	require.NoError(t, s.SetPrefix("pfx_"))
	require.NoError(t, s.AddNamedBinary("first.a", first))
	second, err := s.Build()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSessionEmpty(t *testing.T) {
	s := NewSession()
	assert.Equal(t, StateEmpty, s.State())
	out, err := s.Build()
	require.NoError(t, err)
	assert.Equal(t, []byte("!<arch>\n"), out)
	assert.Equal(t, StateBuilt, s.State())
}

func TestSessionCollision(t *testing.T) {
	s := NewSession()
	require.NoError(t, s.SetPrefix("pfx_"))
	require.NoError(t, s.AddNamedBinary("collision.o", readTestdata(t, "collision.o")))

	out, err := s.Build()
	assert.Nil(t, out)
	require.ErrorIs(t, err, ErrRenameCollision)
	assert.True(t, IsInputError(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, err, s.Err())

	_, err = s.Build()
	assert.ErrorIs(t, err, ErrSessionConsumed)
}

func TestSessionConsumed(t *testing.T) {
	s := NewSession()
	_, err := s.Build()
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetPrefix("pfx_"), ErrSessionConsumed)
	assert.ErrorIs(t, s.AddBinary(readTestdata(t, "basic.o")), ErrSessionConsumed)
	_, err = s.Symbols()
	assert.ErrorIs(t, err, ErrSessionConsumed)
	_, err = s.Build()
	assert.ErrorIs(t, err, ErrSessionConsumed)
}

func TestSessionSetPrefix(t *testing.T) {
	s := NewSession()
	assert.ErrorIs(t, s.SetPrefix("1abc"), ErrInvalidPrefix)
	assert.Equal(t, StateEmpty, s.State())

	require.NoError(t, s.SetPrefix("pfx_"))
	assert.Equal(t, StateConfiguring, s.State())
	assert.ErrorIs(t, s.SetPrefix("other_"), ErrInvalidPrefix)
	assert.ErrorIs(t, s.SetPrefix("pfx_"), ErrInvalidPrefix)
}

func TestSessionRejectedInputLeavesSessionUnchanged(t *testing.T) {
	truncated := readTestdata(t, "external_dep.o")[:200]
	var badArchive []byte
	badArchive = append(badArchive, arMagic...)
	badArchive = appendMember(t, badArchive, "api.o/", "644", readTestdata(t, "api.o"))
	badArchive = appendMember(t, badArchive, "dep.o/", "644", truncated)

	tests := []struct {
		name string
		buf  []byte
		err  error
	}{
		{"random bytes", []byte("definitely not an object"), ErrUnsupportedFormat},
		{"empty", nil, ErrUnsupportedFormat},
		{"thin archive", []byte("!<thin>\n"), ErrUnsupportedFormat},
		{"universal binary", readTestdata(t, "fat.o"), ErrFormatMismatch},
		{"executable", elfWithType(readTestdata(t, "basic.o"), 2), ErrUnsupportedFormat},
		{"truncated object", truncated, ErrMalformedBinary},
		{"archive with a bad member", badArchive, ErrMalformedBinary},
		{"other format", readTestdata(t, "basic32.o"), ErrFormatMismatch},
		{"other object family", readTestdata(t, "macho64.o"), ErrFormatMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession()
			require.NoError(t, s.SetPrefix("pfx_"))
			require.NoError(t, s.AddNamedBinary("basic.o", readTestdata(t, "basic.o")))
			before, err := s.Symbols()
			require.NoError(t, err)

			err = s.AddNamedBinary("input", tt.buf)
			require.ErrorIs(t, err, tt.err)
			assert.True(t, IsInputError(err))
			assert.Equal(t, StateConfiguring, s.State())

			after, err := s.Symbols()
			require.NoError(t, err)
			assert.Equal(t, before, after)

			out, err := s.Build()
			require.NoError(t, err)
			assert.Equal(t, buildSession(t, "pfx_", "basic.o"), out)
		})
	}
}

func TestSessionSkipsToolchainHelpers(t *testing.T) {
	out := buildSession(t, "pfx_", "basic32.o")
	objs := archiveObjects(t, out)
	require.Len(t, objs, 1)
	names := symbolNames(objs[0])
	assert.Contains(t, names, "__x86.get_pc_thunk.bx")
	assert.Contains(t, names, "__x86.get_pc_thunk.ax")
	assert.Contains(t, names, "_GLOBAL_OFFSET_TABLE_")
	assert.Contains(t, names, "pfx_foo")

	s := NewSession(WithSkipSymbols("foo"), WithSkipPrefixes("count"))
	require.NoError(t, s.SetPrefix("pfx_"))
	require.NoError(t, s.AddNamedBinary("basic.o", readTestdata(t, "basic.o")))
	out, err := s.Build()
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"", "basic.c", "", "foo", "bar", "counter", "pfx_weakfn", "pfx_tentative"},
		symbolNames(archiveObjects(t, out)[0]))
}

func TestSessionSymbols(t *testing.T) {
	s := NewSession()
	require.NoError(t, s.SetPrefix("pfx_"))
	require.NoError(t, s.AddNamedBinary("libdep.a", readTestdata(t, "libdep.a")))

	infos, err := s.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []SymbolInfo{
		{Name: "external_api", Defined: true, DefinedIn: "libdep.a(external_dep.o)", References: 1, NewName: "pfx_external_api"},
		{Name: "external_private_impl", Defined: true, DefinedIn: "libdep.a(external_dep.o)", NewName: "pfx_external_private_impl"},
		{Name: "internal_impl", Defined: true, DefinedIn: "libdep.a(api.o)", NewName: "pfx_internal_impl"},
		{Name: "memset", References: 1},
		{Name: "my_api", Defined: true, DefinedIn: "libdep.a(api.o)", NewName: "pfx_my_api"},
		{Name: "puts", References: 2},
	}, infos)
}

func TestSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	s := NewSession(WithMetrics(m))
	require.NoError(t, s.SetPrefix("pfx_"))
	require.NoError(t, s.AddNamedBinary("libdep.a", readTestdata(t, "libdep.a")))
	require.Error(t, s.AddNamedBinary("junk", []byte("junk")))
	out, err := s.Build()
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BinariesAdded.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BinariesAdded.WithLabelValues("input_error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ObjectsRewritten))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.SymbolsRenamed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Builds.WithLabelValues("ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ArchiveBytes))
	assert.NotEmpty(t, out)

	failed := NewSession(WithMetrics(m))
	require.NoError(t, failed.SetPrefix("pfx_"))
	require.NoError(t, failed.AddNamedBinary("collision.o", readTestdata(t, "collision.o")))
	_, err = failed.Build()
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Builds.WithLabelValues("input_error")))
}

func TestSessionLogsDecisions(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(WithLogger(log.NewLogfmtLogger(&buf)))
	require.NoError(t, s.SetPrefix("pfx_"))
	require.NoError(t, s.AddNamedBinary("basic.o", readTestdata(t, "basic.o")))
	_, err := s.Build()
	require.NoError(t, err)

	logs := buf.String()
	assert.Contains(t, logs, `msg="renaming symbol" object=basic.o symbol=foo new_name=pfx_foo`)
	assert.Contains(t, logs, `msg="archive built" objects=1 renamed=4`)
}

func TestSessionConcurrentAdds(t *testing.T) {
	s := NewSession(WithConcurrency(2))
	require.NoError(t, s.SetPrefix("pfx_"))

	api := readTestdata(t, "api.o")
	g := errgroup.Group{}
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			return s.AddNamedBinary(fmt.Sprintf("obj%d.o", i), api)
		})
	}
	require.NoError(t, g.Wait())

	out, err := s.Build()
	require.NoError(t, err)
	objs := archiveObjects(t, out)
	require.Len(t, objs, 8)
	for _, obj := range objs {
		assert.Equal(t, "pfx_my_api", obj.Symbols()[4].Name)
		// external_api is defined by no object of this session.
		assert.Equal(t, "external_api", obj.Symbols()[6].Name)
	}
}
