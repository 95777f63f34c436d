package lua_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/adapter/lua"
	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/notifier"
)

type recNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (n *recNotifier) Name() string { return "rec" }

func (n *recNotifier) Send(_ context.Context, msg notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".lua"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunTransformsMessage(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "shout", `
function run(ctx)
  return string.upper(ctx.message) .. " (" .. ctx.action .. ": " .. ctx.command .. ")"
end`)

	r := lua.NewRunner(dir, nil)
	out, err := r.Run(context.Background(), "shout", &hook.Context{
		Message: "done",
		Action:  "shell",
		Input:   []byte(`{"command":"go test"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "DONE (shell: go test)" {
		t.Fatalf("output: %q", out)
	}
}

func TestRunSeesFilesAndNotifies(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "big", `
function run(ctx)
  local names = {}
  for _, f in ipairs(ctx.files) do
    if ctx.file_sizes[f] and ctx.file_sizes[f] > 100 then
      table.insert(names, f)
    end
  end
  if #names > 0 then
    notify("large: " .. table.concat(names, ","), "warning")
  end
  return tostring(#names)
end`)

	n := &recNotifier{}
	out, err := lua.NewRunner(dir, n).Run(context.Background(), "big", &hook.Context{
		ExecutionID: "e1",
		Files:       []string{"a.bin", "b.txt"},
		FileSizes:   map[string]int64{"a.bin": 500, "b.txt": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "1" {
		t.Fatalf("output: %q", out)
	}
	if len(n.sent) != 1 || n.sent[0].Message != "large: a.bin" || n.sent[0].Level != "warning" || n.sent[0].Source != "lua:big" {
		t.Fatalf("notifications: %+v", n.sent)
	}
}

func TestSandboxHidesDangerousGlobals(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "globals", `
function run(ctx)
  local missing = {}
  for _, name in ipairs({"io", "os", "dofile", "loadfile", "load", "require"}) do
    if _G[name] ~= nil then table.insert(missing, name) end
  end
  return table.concat(missing, ",")
end`)

	out, err := lua.NewRunner(dir, nil).Run(context.Background(), "globals", &hook.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("exposed globals: %s", out)
	}
}

func TestRunStopsRunawayScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "spin", `function run(ctx) while true do end end`)

	r := lua.NewRunner(dir, nil)
	r.SetTimeout(50 * time.Millisecond)
	start := time.Now()
	if _, err := r.Run(context.Background(), "spin", &hook.Context{}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("script was not interrupted")
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "norun", `x = 1`)
	writeScript(t, dir, "broken", `function run(ctx) error("nope") end`)
	r := lua.NewRunner(dir, nil)

	if _, err := r.Run(context.Background(), "../etc/passwd", &hook.Context{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := r.Run(context.Background(), "missing", &hook.Context{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Run(context.Background(), "norun", &hook.Context{}); err == nil || !strings.Contains(err.Error(), "run(ctx)") {
		t.Fatalf("expected missing function error, got %v", err)
	}
	if _, err := r.Run(context.Background(), "broken", &hook.Context{}); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected script error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ok", `function run(ctx) return ctx.message end`)
	writeScript(t, dir, "syntax", `function run(ctx) return end end`)
	r := lua.NewRunner(dir, nil)

	if err := r.Validate("ok"); err != nil {
		t.Fatal(err)
	}
	if err := r.Validate("syntax"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
