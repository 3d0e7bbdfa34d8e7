package bartleby

// File is one input buffer. Archive members point at their archive
// through Parent.
type File struct {
	Name     string
	Contents []byte

	Parent *File
}

func NewFile(name string, contents []byte) *File {
	return &File{
		Name:     name,
		Contents: contents,
	}
}

// DisplayName is the name used in diagnostics: "lib.a(member.o)" for
// archive members.
func (f *File) DisplayName() string {
	if f.Parent != nil {
		return f.Parent.DisplayName() + "(" + f.Name + ")"
	}
	return f.Name
}
