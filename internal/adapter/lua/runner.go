// Package lua runs hook scripts in a sandboxed gopher-lua state.
//
// A script lives in <dir>/<name>.lua and defines a global function
// run(ctx) that returns a string. ctx is a table mirroring the hook
// context. Scripts get the base, table, string and math libraries only,
// plus log(msg) and notify(msg).
package lua

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/notifier"
)

const defaultTimeout = 5 * time.Second

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Runner executes hook scripts from one directory.
type Runner struct {
	dir     string
	notify  notifier.Notifier
	timeout time.Duration
}

// NewRunner creates a runner for scripts in dir. notify may be nil, in
// which case notify() calls are logged only.
func NewRunner(dir string, notify notifier.Notifier) *Runner {
	return &Runner{dir: dir, notify: notify, timeout: defaultTimeout}
}

// SetTimeout bounds the run time of one script.
func (r *Runner) SetTimeout(d time.Duration) { r.timeout = d }

// Validate checks that the script exists and compiles.
func (r *Runner) Validate(script string) error {
	path, err := r.path(script)
	if err != nil {
		return err
	}
	L := newSandbox()
	defer L.Close()
	if _, err := L.LoadFile(path); err != nil {
		return fmt.Errorf("compile script %s: %w", script, domain.ErrValidation)
	}
	return nil
}

// Run executes script against hc and returns what run(ctx) returned.
func (r *Runner) Run(ctx context.Context, script string, hc *hook.Context) (string, error) {
	path, err := r.path(script)
	if err != nil {
		return "", err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)
	r.registerAPI(ctx, L, script, hc)

	if err := L.DoFile(path); err != nil {
		return "", fmt.Errorf("load script %s: %w", script, err)
	}
	fn := L.GetGlobal("run")
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("script %s must define a run(ctx) function", script)
	}
	L.Push(fn)
	L.Push(contextTable(L, hc))
	if err := L.PCall(1, 1, nil); err != nil {
		return "", fmt.Errorf("run script %s: %w", script, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		return "", nil
	}
	return lua.LVAsString(ret), nil
}

func (r *Runner) path(script string) (string, error) {
	script = strings.TrimSuffix(script, ".lua")
	if !validName.MatchString(script) {
		return "", fmt.Errorf("invalid script name %q: %w", script, domain.ErrValidation)
	}
	path := filepath.Join(r.dir, script+".lua")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("script %s: %w", script, domain.ErrNotFound)
	}
	return path, nil
}

// newSandbox opens the safe standard libraries only.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(math, "random", lua.LNil)
		L.SetField(math, "randomseed", lua.LNil)
	}
	return L
}

func (r *Runner) registerAPI(ctx context.Context, L *lua.LState, script string, hc *hook.Context) {
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		slog.Info("hook script", "script", script, "execution_id", hc.ExecutionID, "message", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("notify", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if r.notify == nil {
			slog.Info("hook script notification", "script", script, "execution_id", hc.ExecutionID, "message", msg)
			return 0
		}
		err := r.notify.Send(ctx, notifier.Notification{
			Title:       "hook script " + script,
			Message:     msg,
			Level:       L.OptString(2, "info"),
			Source:      hook.ScriptPrefix + script,
			ExecutionID: hc.ExecutionID,
			UserID:      hc.UserID,
		})
		if err != nil {
			L.RaiseError("notify: %v", err)
		}
		return 0
	}))
}

// contextTable mirrors hc as a Lua table.
func contextTable(L *lua.LState, hc *hook.Context) *lua.LTable {
	t := L.NewTable()
	set := func(k, v string) { L.SetField(t, k, lua.LString(v)) }
	set("execution_id", hc.ExecutionID)
	set("user_id", hc.UserID)
	set("project_id", hc.ProjectID)
	set("agent_type", hc.AgentType)
	set("lifecycle", string(hc.Lifecycle))
	set("message", hc.Message)
	set("action", hc.Action)
	set("command", execution.CommandText(hc.Input))
	set("input", string(hc.Input))
	set("error", hc.Error)
	if hc.Confidence != nil {
		L.SetField(t, "confidence", lua.LNumber(*hc.Confidence))
	}

	files := L.NewTable()
	for _, f := range hc.Files {
		files.Append(lua.LString(f))
	}
	L.SetField(t, "files", files)

	sizes := L.NewTable()
	for f, n := range hc.FileSizes {
		L.SetField(sizes, f, lua.LNumber(n))
	}
	L.SetField(t, "file_sizes", sizes)
	return t
}
