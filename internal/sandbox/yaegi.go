package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"swayambhu/internal/store"
)

// YaegiRunner interprets capability code with Yaegi instead of compiling
// or shelling out. Interpretation avoids toolchain hangs and version skew,
// and lets the allow-list below bound what the code can reach: no os, no
// os/exec, no net. Ambient authority comes only from the injected
// capability package, which is assembled per invocation from the declared
// spec.
type YaegiRunner struct {
	st      *store.Store
	getenv  func(string) string
	httpc   *http.Client
	allowed map[string]bool
	logger  *zap.Logger
}

// NewYaegiRunner creates the runner. getenv defaults to os.Getenv; tests
// substitute their own.
func NewYaegiRunner(st *store.Store, logger *zap.Logger) *YaegiRunner {
	return &YaegiRunner{
		st:     st,
		getenv: os.Getenv,
		httpc:  &http.Client{Timeout: 60 * time.Second},
		allowed: map[string]bool{
			"capability": true,

			"bytes":           true,
			"encoding/base64": true,
			"encoding/json":   true,
			"errors":          true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"sort":            true,
			"strconv":         true,
			"strings":         true,
			"time":            true,
			"unicode":         true,
			"unicode/utf8":    true,
		},
		logger: logger,
	}
}

// SetEnvLookup overrides tier-1 secret resolution.
func (r *YaegiRunner) SetEnvLookup(fn func(string) string) { r.getenv = fn }

// Run implements Runner. The code must define, in package main:
//
//	func Run(input string) (string, error)
func (r *YaegiRunner) Run(ctx context.Context, name, code string, spec Spec, input string) (string, error) {
	if err := r.validateImports(code); err != nil {
		return "", fmt.Errorf("sandbox: %s: %w", name, err)
	}

	secrets, err := r.assembleSecrets(spec)
	if err != nil {
		return "", fmt.Errorf("sandbox: %s: %w", name, err)
	}
	scoped := r.st.Scoped(name, spec.Access())

	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMS * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("sandbox: failed to load stdlib symbols: %w", err)
	}
	if err := i.Use(r.exports(ctx, spec, secrets, scoped)); err != nil {
		return "", fmt.Errorf("sandbox: failed to inject capability symbols: %w", err)
	}

	if _, err := i.Eval(wrapCode(code)); err != nil {
		return "", fmt.Errorf("sandbox: %s: evaluation failed: %w", name, err)
	}

	entry, err := i.Eval("main.Run")
	if err != nil {
		return "", fmt.Errorf("sandbox: %s: Run function not found: %w", name, err)
	}
	run, ok := entry.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("sandbox: %s: Run has wrong signature, want func(string) (string, error)", name)
	}

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errCh <- fmt.Errorf("sandbox: %s: panic: %v", name, p)
			}
		}()
		out, err := run(input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	// Whichever resolves first wins; a lost race's eventual result is
	// discarded via the buffered channels, never awaited.
	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		return "", fmt.Errorf("sandbox: %s: %w", name, err)
	case <-ctx.Done():
		return "", fmt.Errorf("sandbox: %s: timed out after %s: %w", name, timeout, ctx.Err())
	}
}

// assembleSecrets resolves exactly the declared names: tier 1 from the
// process environment, tier 2 from the store's secret namespace. The merged
// map carries no origin information; on a name collision the
// self-provisioned value wins.
func (r *YaegiRunner) assembleSecrets(spec Spec) (map[string]string, error) {
	secrets := make(map[string]string, len(spec.Secrets)+len(spec.KVSecrets))
	for _, name := range spec.Secrets {
		secrets[name] = r.getenv(name)
	}
	for _, name := range spec.KVSecrets {
		var v string
		err := r.st.GetJSON(store.SecretKey(name), &v)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load secret %s: %w", name, err)
		}
		secrets[name] = v
	}
	return secrets, nil
}

// exports builds the per-invocation capability package. Functions close
// over this invocation's secrets and scoped store handle only.
func (r *YaegiRunner) exports(ctx context.Context, spec Spec, secrets map[string]string, scoped *store.Scoped) interp.Exports {
	secret := func(name string) string { return secrets[name] }

	kvGet := func(key string) (string, error) {
		if scoped == nil {
			return "", fmt.Errorf("store access not granted")
		}
		raw, err := scoped.Get(key)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	kvPut := func(key, value string) error {
		if scoped == nil {
			return fmt.Errorf("store access not granted")
		}
		return scoped.Put(key, json.RawMessage(value))
	}
	kvDelete := func(key string) error {
		if scoped == nil {
			return fmt.Errorf("store access not granted")
		}
		return scoped.Delete(key)
	}
	kvKeys := func(prefix string) ([]string, error) {
		if scoped == nil {
			return nil, fmt.Errorf("store access not granted")
		}
		return scoped.Keys(prefix)
	}

	httpDo := func(method, url string, headers map[string]string, body string) (int, string, error) {
		if !spec.AllowHTTP {
			return 0, "", fmt.Errorf("network access not granted")
		}
		req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
		if err != nil {
			return 0, "", err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := r.httpc.Do(req)
		if err != nil {
			return 0, "", err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, "", err
		}
		return resp.StatusCode, string(data), nil
	}

	return interp.Exports{
		"capability/capability": {
			"Secret":   reflect.ValueOf(secret),
			"KVGet":    reflect.ValueOf(kvGet),
			"KVPut":    reflect.ValueOf(kvPut),
			"KVDelete": reflect.ValueOf(kvDelete),
			"KVKeys":   reflect.ValueOf(kvKeys),
			"HTTPDo":   reflect.ValueOf(httpDo),
		},
	}
}

// validateImports parses the source and checks every import, aliased or
// not, against the allow-list. Parsing (rather than scanning lines) means
// aliased and block imports cannot slip through.
func (r *YaegiRunner) validateImports(code string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "capability.go", wrapCode(code), parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("unparseable code: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !r.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// wrapCode prepends the package clause when the capability omits it.
func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
