package synth

import (
	"context"
	"fmt"
	"os/exec"
	"plugin"
	"strings"

	"github.com/synthloop/evoagent/internal/tool"
)

// GoPluginBuilder is the default PluginBuilder: it compiles sourcePath
// with `go build -buildmode=plugin` and loads the result via the
// standard library's plugin package, resolving the exported `New`
// symbol.
type GoPluginBuilder struct {
	// GoBin overrides the `go` binary invoked, defaulting to "go".
	GoBin string
}

func (b GoPluginBuilder) Build(ctx context.Context, sourcePath string) (func() tool.Tool, error) {
	goBin := b.GoBin
	if goBin == "" {
		goBin = "go"
	}
	soPath := strings.TrimSuffix(sourcePath, ".go") + ".so"

	cmd := exec.CommandContext(ctx, goBin, "build", "-buildmode=plugin", "-o", soPath, sourcePath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("go build -buildmode=plugin: %w: %s", err, out)
	}

	p, err := plugin.Open(soPath)
	if err != nil {
		return nil, fmt.Errorf("plugin.Open: %w", err)
	}
	sym, err := p.Lookup("New")
	if err != nil {
		return nil, fmt.Errorf("lookup New symbol: %w", err)
	}
	newFn, ok := sym.(func() tool.Tool)
	if !ok {
		return nil, fmt.Errorf("New symbol has unexpected type %T", sym)
	}
	return newFn, nil
}
