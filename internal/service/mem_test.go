package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/action"
	"github.com/Strob0t/agentengine/internal/port/classifier"
	"github.com/Strob0t/agentengine/internal/port/database"
	"github.com/Strob0t/agentengine/internal/port/messagequeue"
	"github.com/Strob0t/agentengine/internal/port/notifier"
	"github.com/Strob0t/agentengine/internal/port/oracle"
)

// --- In-memory store ---

var _ database.Store = (*memStore)(nil)

type memStore struct {
	mu          sync.Mutex
	executions  map[string]*execution.Execution
	checkpoints map[string]checkpoint.Checkpoint
	hooks       map[string]hook.Hook
	audit       []audit.Entry
	usage       map[string]budget.Totals
	usageDay    map[string]string
	limits      map[string]budget.Limits
	reverted    []checkpoint.DBChange

	updateErr error // returned by UpdateExecution when set
	usageErr  error // returned by UsageTotals when set
}

func newMemStore() *memStore {
	return &memStore{
		executions:  make(map[string]*execution.Execution),
		checkpoints: make(map[string]checkpoint.Checkpoint),
		hooks:       make(map[string]hook.Hook),
		usage:       make(map[string]budget.Totals),
		usageDay:    make(map[string]string),
		limits:      make(map[string]budget.Limits),
	}
}

func (m *memStore) CreateExecution(_ context.Context, e *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return fmt.Errorf("execution %s: %w", e.ID, domain.ErrConflict)
	}
	m.executions[e.ID] = e.Clone()
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *memStore) UpdateExecution(_ context.Context, e *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, domain.ErrNotFound)
	}
	if cur.Version != e.Version {
		return fmt.Errorf("execution %s version %d, stored %d: %w", e.ID, e.Version, cur.Version, domain.ErrConflict)
	}
	e.Version++
	m.executions[e.ID] = e.Clone()
	return nil
}

func (m *memStore) ListExecutionsByState(_ context.Context, states ...execution.State) ([]execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []execution.Execution
	for _, e := range m.executions {
		if slices.Contains(states, e.State) {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListExecutionsByUser(_ context.Context, userID string, limit int) ([]execution.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []execution.Execution
	for _, e := range m.executions {
		if e.UserID == userID {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) stored(id string) *execution.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executions[id]; ok {
		return e.Clone()
	}
	return nil
}

func (m *memStore) put(e *execution.Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e.Clone()
}

func (m *memStore) CreateCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = *cp
	return nil
}

func (m *memStore) GetCheckpoint(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, domain.ErrNotFound)
	}
	return &cp, nil
}

func (m *memStore) ListCheckpoints(_ context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []checkpoint.Checkpoint
	for id := range m.checkpoints {
		if m.checkpoints[id].ExecutionID == executionID {
			out = append(out, m.checkpoints[id])
		}
	}
	checkpoint.SortNewestFirst(out)
	return out, nil
}

func (m *memStore) LatestCheckpoint(ctx context.Context, executionID string) (*checkpoint.Checkpoint, error) {
	cps, _ := m.ListCheckpoints(ctx, executionID)
	if len(cps) == 0 {
		return nil, fmt.Errorf("no checkpoint for %s: %w", executionID, domain.ErrNotFound)
	}
	return &cps[0], nil
}

func (m *memStore) DeleteCheckpoints(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.checkpoints, id)
	}
	return nil
}

func (m *memStore) checkpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

func (m *memStore) ListHooks(_ context.Context) ([]hook.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hook.Hook, 0, len(m.hooks))
	for id := range m.hooks {
		out = append(out, m.hooks[id])
	}
	return out, nil
}

func (m *memStore) UpsertHook(_ context.Context, h *hook.Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[h.ID] = *h
	return nil
}

func (m *memStore) DeleteHook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hooks, id)
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

func (m *memStore) QueryAudit(_ context.Context, f audit.Filter) (*audit.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var match []audit.Entry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		match = append(match, e)
	}
	page := &audit.Page{Total: len(match), Entries: []audit.Entry{}}
	start := f.Offset
	cur, err := f.Keyset()
	if err != nil {
		return nil, err
	}
	if cur != nil {
		start = len(match)
		for i := range match {
			if match[i].ID == cur.ID {
				start = i + 1
				break
			}
		}
	}
	if start < len(match) {
		end := min(start+f.Limit+1, len(match))
		page.Entries = append(page.Entries, match[start:end]...)
		page.Finish(f.Limit)
	}
	return page, nil
}

func (m *memStore) auditActions(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for i := range m.audit {
		if m.audit[i].ExecutionID == executionID {
			out = append(out, m.audit[i].Action)
		}
	}
	return out
}

func (m *memStore) RecordUsage(_ context.Context, u budget.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.usage[u.UserID]
	if u.Day != m.usageDay[u.UserID] {
		t.DailyCost, t.DailyTokens = 0, 0
		m.usageDay[u.UserID] = u.Day
	}
	t.DailyCost += u.Cost
	t.MonthlyCost += u.Cost
	t.DailyTokens += u.InputTokens + u.OutputTokens
	t.MonthlyTokens += u.InputTokens + u.OutputTokens
	m.usage[u.UserID] = t
	return nil
}

func (m *memStore) UsageTotals(_ context.Context, userID string, now time.Time) (budget.Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return budget.Totals{}, m.usageErr
	}
	t := m.usage[userID]
	if d := m.usageDay[userID]; d != "" && d != budget.DayKey(now) {
		t.DailyCost, t.DailyTokens = 0, 0
	}
	return t, nil
}

func (m *memStore) GetLimits(_ context.Context, userID string) (*budget.Limits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limits[userID]
	if !ok {
		return nil, fmt.Errorf("limits %s: %w", userID, domain.ErrNotFound)
	}
	return &l, nil
}

func (m *memStore) SetLimits(_ context.Context, l *budget.Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[l.UserID] = *l
	return nil
}

func (m *memStore) RevertDBChange(_ context.Context, c checkpoint.DBChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverted = append(m.reverted, c)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

// --- Oracles ---

// scriptPlanner replays a fixed list of plans, then reports completion.
type scriptPlanner struct {
	mu    sync.Mutex
	plans []oracle.Plan
	err   error
	calls int
	gate  chan struct{} // when set, each call waits for a value

	entered atomic.Int32
}

func (p *scriptPlanner) Next(ctx context.Context, _ oracle.PlanRequest) (oracle.Plan, error) {
	p.entered.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return oracle.Plan{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if p.err != nil {
		return oracle.Plan{}, p.err
	}
	if i < len(p.plans) {
		return p.plans[i], nil
	}
	return oracle.Plan{Done: true, Reason: "goal reached"}, nil
}

func (p *scriptPlanner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func shellPlan(cmd string) oracle.Plan {
	in, _ := json.Marshal(map[string]string{"command": cmd})
	return oracle.Plan{Action: "shell", Input: in, Confidence: ptr(0.9), TokensIn: 100, TokensOut: 50}
}

// loopPlanner proposes the same action forever.
type loopPlanner struct{}

func (loopPlanner) Next(context.Context, oracle.PlanRequest) (oracle.Plan, error) {
	return shellPlan("make test"), nil
}

type stubExecutor struct {
	mu    sync.Mutex
	reqs  []action.Request
	fn    func(req action.Request) (action.Outcome, error)
	gate  chan struct{}
	start chan struct{} // receives once per call when set
}

func (x *stubExecutor) Execute(ctx context.Context, req action.Request) (action.Outcome, error) {
	x.mu.Lock()
	x.reqs = append(x.reqs, req)
	fn := x.fn
	x.mu.Unlock()
	if x.start != nil {
		x.start <- struct{}{}
	}
	if x.gate != nil {
		select {
		case <-x.gate:
		case <-ctx.Done():
			return action.Outcome{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(req)
	}
	return action.Outcome{Output: json.RawMessage(`{"ok":true}`)}, nil
}

func (x *stubExecutor) Requests() []action.Request {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]action.Request(nil), x.reqs...)
}

// keywordClassifier flags force pushes as sensitive and deletions as risky.
type keywordClassifier struct{ err error }

func (c keywordClassifier) Classify(_ context.Context, _ string, input json.RawMessage) (classifier.Classification, error) {
	if c.err != nil {
		return classifier.Classification{}, c.err
	}
	cmd := execution.CommandText(input)
	var out classifier.Classification
	if strings.Contains(cmd, "push --force") {
		out.Sensitive = true
		out.Reasons = append(out.Reasons, "force push")
	}
	if strings.HasPrefix(cmd, "rm ") {
		out.Risky = true
		out.Reasons = append(out.Reasons, "deletes files")
	}
	return out, nil
}

// stubJudge blocks requests whose message or command contains deny.
type stubJudge struct {
	mu    sync.Mutex
	deny  string
	err   error
	calls []oracle.JudgeRequest
}

func (j *stubJudge) Judge(_ context.Context, req oracle.JudgeRequest) (oracle.Verdict, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, req)
	if j.err != nil {
		return oracle.Verdict{}, j.err
	}
	text := req.Message
	if req.Context != nil {
		text += " " + execution.CommandText(req.Context.Input)
	}
	if j.deny != "" && strings.Contains(text, j.deny) {
		return oracle.Verdict{Allowed: false, Reason: "contains " + j.deny}, nil
	}
	return oracle.Verdict{Allowed: true}, nil
}

type upperRewriter struct{}

func (upperRewriter) Rewrite(_ context.Context, prompt, payload string) (string, error) {
	return strings.ToUpper(payload) + "|" + prompt, nil
}

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

func (n *recNotifier) Sent() []notifier.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Notification(nil), n.sent...)
}

type recBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *recBroadcaster) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// --- Queue ---

// memQueue delivers published messages synchronously to fanout handlers
// whose subject pattern matches.
type memQueue struct {
	mu         sync.Mutex
	handlers   map[int]memSub
	next       int
	published  []memMsg
	publishErr error
	onPublish  func(subject string, data []byte)
}

type memSub struct {
	pattern string
	handler messagequeue.Handler
}

type memMsg struct {
	subject string
	data    []byte
}

func newMemQueue() *memQueue {
	return &memQueue{handlers: make(map[int]memSub)}
}

func (q *memQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	if q.publishErr != nil {
		q.mu.Unlock()
		return q.publishErr
	}
	q.published = append(q.published, memMsg{subject: subject, data: data})
	var targets []messagequeue.Handler
	for _, s := range q.handlers {
		if subjectMatches(s.pattern, subject) {
			targets = append(targets, s.handler)
		}
	}
	after := q.onPublish
	q.mu.Unlock()

	for _, h := range targets {
		_ = h(ctx, subject, data)
	}
	if after != nil {
		after(subject, data)
	}
	return nil
}

func (q *memQueue) Subscribe(ctx context.Context, subject string, h messagequeue.Handler) (func(), error) {
	return q.Fanout(ctx, subject, h)
}

func (q *memQueue) Fanout(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.next
	q.next++
	q.handlers[id] = memSub{pattern: subject, handler: h}
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, id)
	}, nil
}

func (q *memQueue) Drain() error      { return nil }
func (q *memQueue) Close() error      { return nil }
func (q *memQueue) IsConnected() bool { return true }

func (q *memQueue) Published() []memMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]memMsg(nil), q.published...)
}

func subjectMatches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return pattern == subject
}

// --- Workspace ---

type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string][]byte)}
}

func (f *memFiles) Snapshot(_ context.Context, _ string, path string) (checkpoint.FileSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return checkpoint.FileSnapshot{
		Path:         path,
		PriorContent: append([]byte(nil), data...),
		Existed:      ok,
		Size:         int64(len(data)),
	}, nil
}

func (f *memFiles) Restore(_ context.Context, _ string, fs checkpoint.FileSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !fs.Existed {
		delete(f.files, fs.Path)
		return nil
	}
	f.files[fs.Path] = append([]byte(nil), fs.PriorContent...)
	return nil
}

// write changes a file and returns the reversal record an action would report.
func (f *memFiles) write(path, content string) checkpoint.FileSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	prior, existed := f.files[path]
	f.files[path] = []byte(content)
	act := "create"
	if existed {
		act = "modify"
	}
	return checkpoint.FileSnapshot{
		Path:         path,
		PriorContent: prior,
		Existed:      existed,
		Action:       act,
		Size:         int64(len(content)),
	}
}

func (f *memFiles) read(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return string(data), ok
}

// --- Helpers ---

var errBoom = errors.New("boom")

func ptr[T any](v T) *T { return &v }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitState polls the engine until the execution reaches state.
func waitState(t *testing.T, en *Engine, id, userID string, state execution.State) *execution.Execution {
	t.Helper()
	var got *execution.Execution
	waitFor(t, "state "+string(state), func() bool {
		e, err := en.GetState(context.Background(), id, userID)
		if err != nil {
			return false
		}
		got = e
		return e.State == state
	})
	return got
}
