package validator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ModuleResolver reports which top-level modules can be imported locally.
type ModuleResolver interface {
	Available(ctx context.Context, modules []string) (map[string]bool, error)
}

// ResolverFunc adapts a function to ModuleResolver.
type ResolverFunc func(ctx context.Context, modules []string) (map[string]bool, error)

func (f ResolverFunc) Available(ctx context.Context, modules []string) (map[string]bool, error) {
	return f(ctx, modules)
}

// findSpecScript prints "<name> 1" or "<name> 0" per argument.
const findSpecScript = `import importlib.util, sys
for name in sys.argv[1:]:
    try:
        ok = importlib.util.find_spec(name) is not None
    except Exception:
        ok = False
    print(name, 1 if ok else 0)
`

// PythonResolver asks a Python interpreter whether modules can be found,
// caching answers for the life of the resolver.
type PythonResolver struct {
	interpreter string
	timeout     time.Duration

	mu    sync.Mutex
	cache map[string]bool
}

// NewPythonResolver creates a resolver running interpreter. A zero timeout
// defaults to five seconds.
func NewPythonResolver(interpreter string, timeout time.Duration) *PythonResolver {
	if interpreter == "" {
		interpreter = "python3"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PythonResolver{interpreter: interpreter, timeout: timeout, cache: make(map[string]bool)}
}

func (r *PythonResolver) Available(ctx context.Context, modules []string) (map[string]bool, error) {
	out := make(map[string]bool, len(modules))
	var unknown []string

	r.mu.Lock()
	for _, m := range modules {
		if ok, hit := r.cache[m]; hit {
			out[m] = ok
		} else {
			unknown = append(unknown, m)
		}
	}
	r.mu.Unlock()

	if len(unknown) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append([]string{"-I", "-c", findSpecScript}, unknown...)
	cmd := exec.CommandContext(ctx, r.interpreter, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s: %w", r.interpreter, err)
	}

	found := make(map[string]bool, len(unknown))
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		name, flag, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok {
			continue
		}
		found[name] = flag == "1"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range unknown {
		ok := found[m]
		r.cache[m] = ok
		out[m] = ok
	}
	return out, nil
}
