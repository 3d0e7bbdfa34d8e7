package bartleby

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/ksco/bartleby/pkg/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePrefix(t *testing.T) {
	for _, prefix := range []string{"pfx_", "a1", "$x", ".L", "Lib_v2."} {
		assert.NoError(t, ValidatePrefix(prefix), prefix)
	}
	for _, prefix := range []string{"", "1abc", "a b", "a\x00b", "caf\xc3\xa9", "a-b", "a/b"} {
		assert.ErrorIs(t, ValidatePrefix(prefix), ErrInvalidPrefix, "%q", prefix)
	}
}

func TestPolicy(t *testing.T) {
	skip := utils.NewMapSet[string]()
	skip.Add("_GLOBAL_OFFSET_TABLE_")
	skip.Add("keep")
	elfPolicy := &Policy{Prefix: "pfx_", SkipSymbols: skip, SkipPrefixes: []string{"__x86.get_pc_thunk."}}
	machoPolicy := &Policy{Prefix: "pfx_", Underscore: true, SkipSymbols: skip}

	tests := []struct {
		name     string
		p        *Policy
		sym      string
		newName  string
		excluded bool
	}{
		{"elf plain", elfPolicy, "foo", "pfx_foo", false},
		{"elf underscore is part of the name", elfPolicy, "_foo", "pfx__foo", false},
		{"elf already prefixed", elfPolicy, "pfx_foo", "pfx_pfx_foo", true},
		{"elf skip list", elfPolicy, "_GLOBAL_OFFSET_TABLE_", "pfx__GLOBAL_OFFSET_TABLE_", true},
		{"elf skip prefix", elfPolicy, "__x86.get_pc_thunk.bx", "pfx___x86.get_pc_thunk.bx", true},
		{"macho keeps leading underscore", machoPolicy, "_foo", "_pfx_foo", false},
		{"macho without underscore", machoPolicy, "foo", "pfx_foo", false},
		{"macho already prefixed", machoPolicy, "_pfx_foo", "_pfx_pfx_foo", true},
		{"macho skip matches the C name", machoPolicy, "_keep", "_pfx_keep", true},
		{"empty name", elfPolicy, "", "pfx_", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.newName, tt.p.NewName(tt.sym))
			assert.Equal(t, tt.excluded, tt.p.Excluded(tt.sym))
		})
	}

	assert.True(t, (&Policy{}).Excluded("foo"), "no prefix renames nothing")
}

func newTestContext(t testing.TB, prefix string, files ...string) *Context {
	t.Helper()
	ctx := NewContext()
	ctx.Arg.Prefix = prefix
	for _, name := range files {
		_, err := ReadFile(ctx, NewFile(name, readTestdata(t, name)))
		require.NoError(t, err)
	}
	return ctx
}

func TestPlanRenames(t *testing.T) {
	ctx := newTestContext(t, "pfx_", "libdep.a")
	plans, err := PlanRenames(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	api := plans[0]
	assert.Equal(t, "libdep.a(api.o)", api.File.Name())
	assert.Equal(t, map[int]string{
		4: "pfx_my_api",
		6: "pfx_external_api",
		7: "pfx_internal_impl",
	}, api.Renames)
	assert.Equal(t, []int{4, 7}, api.Classification.Renameable)
	assert.Equal(t, []int{6}, api.Classification.References)

	dep := plans[1]
	assert.Equal(t, map[int]string{
		5: "pfx_external_api",
		8: "pfx_external_private_impl",
	}, dep.Renames)
	assert.Equal(t, RenameMap{
		"external_api":          "pfx_external_api",
		"external_private_impl": "pfx_external_private_impl",
	}, dep.RenameMap)
}

func TestPlanRenamesBasic(t *testing.T) {
	ctx := newTestContext(t, "pfx_", "basic.o")
	plans, err := PlanRenames(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	// bar is defined nowhere in the session and keeps its name.
	assert.Equal(t, map[int]string{
		3: "pfx_foo",
		5: "pfx_counter",
		6: "pfx_weakfn",
		7: "pfx_tentative",
	}, plans[0].Renames)
}

func TestPlanRenamesCollisions(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  []CollisionError
	}{
		{
			name:  "within one object",
			files: []string{"collision.o"},
			want: []CollisionError{
				{Object: "collision.o", Symbol: "foo", NewName: "pfx_foo", With: "collision.o"},
			},
		},
		{
			name:  "across objects",
			files: []string{"basic.o", "prefixed.o"},
			want: []CollisionError{
				{Object: "basic.o", Symbol: "foo", NewName: "pfx_foo", With: "prefixed.o"},
			},
		},
		{
			name:  "all reported",
			files: []string{"collision.o", "basic.o"},
			want: []CollisionError{
				{Object: "collision.o", Symbol: "foo", NewName: "pfx_foo", With: "collision.o"},
				{Object: "basic.o", Symbol: "foo", NewName: "pfx_foo", With: "collision.o"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newTestContext(t, "pfx_", tt.files...)
			_, err := PlanRenames(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRenameCollision)

			var merr *multierror.Error
			require.True(t, errors.As(err, &merr))
			got := make([]CollisionError, 0, len(merr.Errors))
			for _, e := range merr.Errors {
				var cerr *CollisionError
				require.True(t, errors.As(e, &cerr))
				got = append(got, *cerr)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanRenamesSkipsToolchainHelpers(t *testing.T) {
	ctx := newTestContext(t, "pfx_", "basic32.o")
	ctx.Arg.SkipSymbols.Add("_GLOBAL_OFFSET_TABLE_")
	ctx.Arg.SkipPrefixes = []string{"__x86.get_pc_thunk."}

	plans, err := PlanRenames(ctx)
	require.NoError(t, err)
	syms := plans[0].File.Symbols()
	var renamed []string
	for _, idx := range utils.SortedKeys(plans[0].Renames) {
		renamed = append(renamed, syms[idx].Name)
	}
	assert.Equal(t, []string{"foo", "counter", "weakfn", "tentative"}, renamed)
}

func TestClassifySymbols(t *testing.T) {
	obj := parseTestdata(t, "api.o")
	p := &Policy{Prefix: "pfx_"}
	c := ClassifySymbols(obj, p, func(name string) bool {
		return name == "my_api" || name == "external_api"
	})
	assert.Equal(t, []int{4}, c.Renameable)
	assert.Equal(t, []int{6}, c.References)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 5, 7}, c.Untouched)
	assert.Equal(t, []int{4, 6}, c.Renamed())
}
