package talents

import (
	"embed"
	"io/fs"
)

//go:embed defaults/*.md
var defaultFiles embed.FS

// Defaults returns the built-in talents used by tenants that ship no
// talents directory of their own.
func Defaults() ([]Talent, error) {
	sub, err := fs.Sub(defaultFiles, "defaults")
	if err != nil {
		return nil, err
	}
	return NewFSLoader(sub).LoadAll()
}
