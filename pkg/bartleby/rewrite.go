package bartleby

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// RewrittenObject is an object after renaming, parsed back from its
// output bytes.
type RewrittenObject struct {
	Object
	MemberName string
	Slice      *Slice
}

// RewriteObject applies plan to its object and parses the result again.
// The parsed result must keep every section and relocation of the input,
// and differ from it only in the names plan renames.
func RewriteObject(plan *ObjectPlan) (*RewrittenObject, error) {
	in := plan.File
	if len(plan.Renames) == 0 {
		return &RewrittenObject{Object: in.Object, MemberName: in.MemberName, Slice: in.Slice}, nil
	}

	buf, err := in.Rewrite(plan.Renames)
	if err != nil {
		return nil, err
	}

	file := &File{Name: in.Name(), Contents: buf}
	out, err := ParseObject(file)
	if err != nil {
		return nil, internalError("%s: rewritten object does not parse: %v", in.Name(), err)
	}
	if err := VerifyRewrite(in.Object, out, plan.Renames); err != nil {
		return nil, err
	}
	return &RewrittenObject{Object: out, MemberName: in.MemberName, Slice: in.Slice}, nil
}

func VerifyRewrite(in, out Object, renames map[int]string) error {
	if !in.Format().Equal(out.Format()) {
		return internalError("%s: format changed from %s to %s", in.Name(), in.Format(), out.Format())
	}
	if diff := cmp.Diff(sectionsForCompare(in), sectionsForCompare(out)); diff != "" {
		return internalError("%s: sections changed (-in +out):\n%s", in.Name(), diff)
	}
	if diff := cmp.Diff(in.Relocations(), out.Relocations()); diff != "" {
		return internalError("%s: relocations changed (-in +out):\n%s", in.Name(), diff)
	}

	inSyms, outSyms := in.Symbols(), out.Symbols()
	if len(inSyms) != len(outSyms) {
		return internalError("%s: symbol count changed from %d to %d", in.Name(), len(inSyms), len(outSyms))
	}
	want := make([]SymbolEntry, len(inSyms))
	copy(want, inSyms)
	for idx, name := range renames {
		want[idx].Name = name
	}
	if diff := cmp.Diff(want, outSyms, cmpopts.IgnoreFields(SymbolEntry{}, "NameOffset")); diff != "" {
		return internalError("%s: symbols differ from the rename plan (-want +got):\n%s", in.Name(), diff)
	}
	return nil
}

// sectionsForCompare drops the contents of the sections holding the
// symbol and string tables. Those change with every rename and are
// checked symbol by symbol instead.
func sectionsForCompare(obj Object) []Section {
	tables := make(map[int]bool)
	for _, idx := range obj.SymbolTableSections() {
		tables[idx] = true
	}
	secs := obj.Sections()
	for i := range secs {
		if tables[secs[i].Index] {
			secs[i].Contents = nil
		}
	}
	return secs
}
