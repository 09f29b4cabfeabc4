// Package flatpak constructs an isolated Flatpak installation for a
// guest VM: a bind-mounted view containing a single application, the
// runtime it declares, and nothing else from the host installation.
//
// Flatpak metadata files are GLib keyfiles. The only key the view
// builder needs is the application's runtime triple:
//
//	[Application]
//	name=org.gnome.TextEditor
//	runtime=org.gnome.Platform/x86_64/49
package flatpak

import (
	"errors"
	"fmt"

	"gopkg.in/ini.v1"
)

// Metadata extraction errors.
var (
	ErrNoApplicationGroup = errors.New("metadata has no [Application] group")
	ErrNoRuntime          = errors.New("metadata has no runtime key")
	ErrBadRuntimeTriple   = errors.New("runtime is not a name/arch/branch triple")
)

// ExtractRuntime parses a Flatpak application metadata keyfile and
// returns the runtime triple (name/arch/branch) it declares.
func ExtractRuntime(metadata []byte) (string, error) {
	f, err := ini.Load(metadata)
	if err != nil {
		return "", fmt.Errorf("parsing metadata keyfile: %w", err)
	}

	sec, err := f.GetSection("Application")
	if err != nil {
		return "", ErrNoApplicationGroup
	}
	key, err := sec.GetKey("runtime")
	if err != nil {
		return "", ErrNoRuntime
	}

	runtime := key.String()
	if countSlashes(runtime) != 2 {
		return "", fmt.Errorf("%w: %q", ErrBadRuntimeTriple, runtime)
	}
	return runtime, nil
}

func countSlashes(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			n++
		}
	}
	return n
}
