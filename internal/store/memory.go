package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stepflow/internal/agent"
	"stepflow/internal/workflow"
)

// Memory is an in-process Store. Update transactions are serialised and
// stage their writes until fn returns nil.
type Memory struct {
	mu   sync.RWMutex
	data *memData
	seq  int64
}

type memData struct {
	runs     map[string]*workflow.Run
	steps    map[string]*workflow.Step
	tasks    map[string]*agent.Task
	taskSeq  map[string]int64
	chains   map[string]*agent.CollaborativeTask
	messages []*workflow.Message
}

func newMemData() *memData {
	return &memData{
		runs:    make(map[string]*workflow.Run),
		steps:   make(map[string]*workflow.Step),
		tasks:   make(map[string]*agent.Task),
		taskSeq: make(map[string]int64),
		chains:  make(map[string]*agent.CollaborativeTask),
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

// View implements Store.
func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{m: m, base: m.data, readOnly: true})
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, base: m.data, staged: newMemData(), seq: m.seq}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

type memTx struct {
	m        *Memory
	base     *memData
	staged   *memData
	seq      int64
	readOnly bool
}

func (tx *memTx) commit() {
	for k, v := range tx.staged.runs {
		tx.base.runs[k] = v
	}
	for k, v := range tx.staged.steps {
		tx.base.steps[k] = v
	}
	for k, v := range tx.staged.tasks {
		tx.base.tasks[k] = v
	}
	for k, v := range tx.staged.taskSeq {
		tx.base.taskSeq[k] = v
	}
	for k, v := range tx.staged.chains {
		tx.base.chains[k] = v
	}
	tx.base.messages = append(tx.base.messages, tx.staged.messages...)
	tx.m.seq = tx.seq
}

func (tx *memTx) writable() error {
	if tx.readOnly {
		return errReadOnly
	}
	return nil
}

func (tx *memTx) run(id string) *workflow.Run {
	if tx.staged != nil {
		if r, ok := tx.staged.runs[id]; ok {
			return r
		}
	}
	return tx.base.runs[id]
}

func (tx *memTx) step(id string) *workflow.Step {
	if tx.staged != nil {
		if s, ok := tx.staged.steps[id]; ok {
			return s
		}
	}
	return tx.base.steps[id]
}

func (tx *memTx) task(id string) *agent.Task {
	if tx.staged != nil {
		if t, ok := tx.staged.tasks[id]; ok {
			return t
		}
	}
	return tx.base.tasks[id]
}

func (tx *memTx) chain(taskID string) *agent.CollaborativeTask {
	if tx.staged != nil {
		if c, ok := tx.staged.chains[taskID]; ok {
			return c
		}
	}
	return tx.base.chains[taskID]
}

func (tx *memTx) taskOrder(id string) int64 {
	if tx.staged != nil {
		if n, ok := tx.staged.taskSeq[id]; ok {
			return n
		}
	}
	return tx.base.taskSeq[id]
}

func (tx *memTx) CreateRun(run *workflow.Run) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if tx.run(run.ID) != nil {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	tx.staged.runs[run.ID] = run.Clone()
	return nil
}

func (tx *memTx) GetRun(id string) (*workflow.Run, error) {
	r := tx.run(id)
	if r == nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (tx *memTx) CreateStep(step *workflow.Step) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if tx.step(step.ID) != nil {
		return fmt.Errorf("step %s: %w", step.ID, ErrAlreadyExists)
	}
	if tx.run(step.RunID) == nil {
		return fmt.Errorf("run %s: %w", step.RunID, ErrNotFound)
	}
	if step.Version == 0 {
		step.Version = 1
	}
	tx.staged.steps[step.ID] = step.Clone()
	return nil
}

func (tx *memTx) GetStep(id string) (*workflow.Step, error) {
	s := tx.step(id)
	if s == nil {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (tx *memTx) ListSteps(runID string) ([]*workflow.Step, error) {
	seen := make(map[string]bool)
	var out []*workflow.Step
	collect := func(steps map[string]*workflow.Step) {
		for id, s := range steps {
			if s.RunID != runID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, s.Clone())
		}
	}
	if tx.staged != nil {
		collect(tx.staged.steps)
	}
	collect(tx.base.steps)
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (tx *memTx) UpdateStep(step *workflow.Step) error {
	if err := tx.writable(); err != nil {
		return err
	}
	cur := tx.step(step.ID)
	if cur == nil {
		return fmt.Errorf("step %s: %w", step.ID, ErrNotFound)
	}
	if cur.Version != step.Version {
		return fmt.Errorf("step %s at version %d, have %d: %w", step.ID, cur.Version, step.Version, ErrConcurrentModification)
	}
	step.Version++
	tx.staged.steps[step.ID] = step.Clone()
	return nil
}

func (tx *memTx) CreateTask(task *agent.Task) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if tx.task(task.ID) != nil {
		return fmt.Errorf("task %s: %w", task.ID, ErrAlreadyExists)
	}
	if task.Version == 0 {
		task.Version = 1
	}
	tx.seq++
	tx.staged.tasks[task.ID] = task.Clone()
	tx.staged.taskSeq[task.ID] = tx.seq
	return nil
}

func (tx *memTx) GetTask(id string) (*agent.Task, error) {
	t := tx.task(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (tx *memTx) ListTasks(stepID string) ([]*agent.Task, error) {
	seen := make(map[string]bool)
	var out []*agent.Task
	collect := func(tasks map[string]*agent.Task) {
		for id, t := range tasks {
			if t.StepID != stepID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, t.Clone())
		}
	}
	if tx.staged != nil {
		collect(tx.staged.tasks)
	}
	collect(tx.base.tasks)
	sort.Slice(out, func(i, j int) bool { return tx.taskOrder(out[i].ID) < tx.taskOrder(out[j].ID) })
	return out, nil
}

func (tx *memTx) UpdateTask(task *agent.Task) error {
	if err := tx.writable(); err != nil {
		return err
	}
	cur := tx.task(task.ID)
	if cur == nil {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	if cur.Version != task.Version {
		return fmt.Errorf("task %s at version %d, have %d: %w", task.ID, cur.Version, task.Version, ErrConcurrentModification)
	}
	task.Version++
	tx.staged.tasks[task.ID] = task.Clone()
	return nil
}

func (tx *memTx) CreateChain(chain *agent.CollaborativeTask) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if tx.chain(chain.TaskID) != nil {
		return fmt.Errorf("chain %s: %w", chain.TaskID, ErrAlreadyExists)
	}
	if tx.task(chain.TaskID) == nil {
		return fmt.Errorf("task %s: %w", chain.TaskID, ErrNotFound)
	}
	if chain.Version == 0 {
		chain.Version = 1
	}
	tx.staged.chains[chain.TaskID] = chain.Clone()
	return nil
}

func (tx *memTx) GetChain(taskID string) (*agent.CollaborativeTask, error) {
	c := tx.chain(taskID)
	if c == nil {
		return nil, fmt.Errorf("chain %s: %w", taskID, ErrNotFound)
	}
	return c.Clone(), nil
}

func (tx *memTx) UpdateChain(chain *agent.CollaborativeTask) error {
	if err := tx.writable(); err != nil {
		return err
	}
	cur := tx.chain(chain.TaskID)
	if cur == nil {
		return fmt.Errorf("chain %s: %w", chain.TaskID, ErrNotFound)
	}
	if cur.Version != chain.Version {
		return fmt.Errorf("chain %s at version %d, have %d: %w", chain.TaskID, cur.Version, chain.Version, ErrConcurrentModification)
	}
	chain.Version++
	tx.staged.chains[chain.TaskID] = chain.Clone()
	return nil
}

func (tx *memTx) AppendMessage(msg *workflow.Message) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if tx.step(msg.StepID) == nil {
		return fmt.Errorf("step %s: %w", msg.StepID, ErrNotFound)
	}
	cp := *msg
	tx.staged.messages = append(tx.staged.messages, &cp)
	return nil
}

func (tx *memTx) ListMessages(stepID string) ([]*workflow.Message, error) {
	var out []*workflow.Message
	all := tx.base.messages
	if tx.staged != nil {
		all = append(append([]*workflow.Message(nil), all...), tx.staged.messages...)
	}
	for _, m := range all {
		if m.StepID == stepID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}
