package main

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// interposedSymbols are the functions the interposer library must
// export for the shim to work. Missing any one of them means the
// library was built wrong and the traced program would silently run
// unintercepted.
var interposedSymbols = []string{
	"socket",
	"bind",
	"listen",
	"accept",
	"connect",
	"send",
	"recv",
	"sendto",
	"recvfrom",
	"close",
}

// preflightInterposer loads the interposer library into this process
// and probes every symbol the shim needs, so a bad build fails at
// launch instead of producing an untraced child.
func preflightInterposer(path string) error {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return fmt.Errorf("loading interposer %s: %w", path, err)
	}
	defer purego.Dlclose(handle)

	for _, sym := range interposedSymbols {
		if _, err := purego.Dlsym(handle, sym); err != nil {
			return fmt.Errorf("interposer %s does not export %s: %w", path, sym, err)
		}
	}
	return nil
}
