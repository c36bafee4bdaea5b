package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/internal/agent"
	"stepflow/internal/workflow"
)

var now = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := Open(context.Background(), "sqlite", ":memory:", 0)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

// seed creates a run with two steps and one collaborative task on step 1.
func seed(t *testing.T, s Store) (*workflow.Run, []*workflow.Step, *agent.Task) {
	t.Helper()
	run, steps, err := workflow.NewRun("proj-1", "demo", "", []workflow.TemplateStep{
		{Name: "Analysis", Agents: []string{"analyst"}, Tasks: []workflow.TaskSpec{{Title: "t"}}},
		{Name: "Build", Agents: []string{"developer", "qa"}},
	}, now)
	require.NoError(t, err)

	task, chain, err := agent.NewTask(run.ID, steps[0].ID, workflow.TaskSpec{
		Title: "collab",
		Chain: []workflow.ChainLinkSpec{{AgentID: "analyst"}, {AgentID: "developer"}},
	}, now)
	require.NoError(t, err)

	err = s.Update(context.Background(), func(tx Tx) error {
		if err := tx.CreateRun(run); err != nil {
			return err
		}
		for _, st := range steps {
			if err := tx.CreateStep(st); err != nil {
				return err
			}
		}
		if err := tx.CreateTask(task); err != nil {
			return err
		}
		return tx.CreateChain(chain)
	})
	require.NoError(t, err)
	return run, steps, task
}

func TestRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		run, steps, task := seed(t, s)

		err := s.View(context.Background(), func(tx Tx) error {
			gotRun, err := tx.GetRun(run.ID)
			require.NoError(t, err)
			assert.Equal(t, run.ProjectID, gotRun.ProjectID)
			assert.True(t, run.CreatedAt.Equal(gotRun.CreatedAt))

			got, err := tx.ListSteps(run.ID)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 1, got[0].StepNumber)
			assert.Equal(t, []string{"developer", "qa"}, got[1].AssignedAgentIDs)
			assert.Equal(t, "t", got[0].TaskPlan[0].Title)
			assert.Equal(t, steps[0].ID, got[0].ID)
			assert.Nil(t, got[0].ReviewedAt)

			tasks, err := tx.ListTasks(steps[0].ID)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.True(t, tasks[0].IsCollaborative)
			assert.Equal(t, agent.PriorityMedium, tasks[0].Priority)

			chain, err := tx.GetChain(task.ID)
			require.NoError(t, err)
			require.Len(t, chain.AgentChain, 2)
			assert.Equal(t, agent.CollabPending, chain.CollaborationStatus)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestUpdateStepCompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, steps, _ := seed(t, s)
		ctx := context.Background()

		var stale *workflow.Step
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			var err error
			stale, err = tx.GetStep(steps[0].ID)
			return err
		}))

		fresh := stale.Clone()
		reviewed := now
		fresh.Status = workflow.StepApproved
		fresh.ReviewedAt = &reviewed
		require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.UpdateStep(fresh) }))
		assert.Equal(t, stale.Version+1, fresh.Version)

		stale.Status = workflow.StepRejected
		err := s.Update(ctx, func(tx Tx) error { return tx.UpdateStep(stale) })
		assert.True(t, errors.Is(err, ErrConcurrentModification), "err = %v", err)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			got, err := tx.GetStep(steps[0].ID)
			require.NoError(t, err)
			assert.Equal(t, workflow.StepApproved, got.Status)
			require.NotNil(t, got.ReviewedAt)
			assert.True(t, got.ReviewedAt.Equal(now))
			return nil
		}))
	})
}

func TestUpdateRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, steps, task := seed(t, s)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx Tx) error {
			st, err := tx.GetStep(steps[0].ID)
			if err != nil {
				return err
			}
			st.HasActivity = true
			if err := tx.UpdateStep(st); err != nil {
				return err
			}
			tk, err := tx.GetTask(task.ID)
			if err != nil {
				return err
			}
			tk.Status = agent.TaskInProgress
			if err := tx.UpdateTask(tk); err != nil {
				return err
			}
			// reads inside the transaction see its own writes
			again, err := tx.GetStep(steps[0].ID)
			if err != nil {
				return err
			}
			assert.True(t, again.HasActivity)
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			st, _ := tx.GetStep(steps[0].ID)
			assert.False(t, st.HasActivity)
			assert.Equal(t, 1, st.Version)
			tk, _ := tx.GetTask(task.ID)
			assert.Equal(t, agent.TaskPending, tk.Status)
			return nil
		}))
	})
}

func TestChainUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, _, task := seed(t, s)
		ctx := context.Background()

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			c, err := tx.GetChain(task.ID)
			if err != nil {
				return err
			}
			if _, err := c.Start(now); err != nil {
				return err
			}
			if err := c.AddHandoffNote("analyst", "context attached", now); err != nil {
				return err
			}
			return tx.UpdateChain(c)
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			c, err := tx.GetChain(task.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, c.Version)
			assert.Equal(t, agent.LinkAssigned, c.AgentChain[0].Status)
			assert.Equal(t, []string{"context attached"}, c.AgentChain[0].HandoffNotes)
			require.NotNil(t, c.AgentChain[0].StartedAt)
			return nil
		}))
	})
}

func TestMessagesKeepOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		run, steps, _ := seed(t, s)
		ctx := context.Background()

		for i, content := range []string{"first", "second", "third"} {
			msg := &workflow.Message{
				ID:         content,
				RunID:      run.ID,
				StepID:     steps[1].ID,
				AuthorType: workflow.AuthorAgent,
				AuthorID:   "developer",
				Content:    content,
				CreatedAt:  now.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.AppendMessage(msg) }))
		}

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			msgs, err := tx.ListMessages(steps[1].ID)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "first", msgs[0].Content)
			assert.Equal(t, "third", msgs[2].Content)
			assert.Equal(t, workflow.AuthorAgent, msgs[0].AuthorType)
			return nil
		}))
	})
}

func TestNotFoundAndDuplicates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		run, _, task := seed(t, s)
		ctx := context.Background()

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			_, err := tx.GetStep("missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.GetChain("missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.GetRun("missing")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		}))

		err := s.Update(ctx, func(tx Tx) error { return tx.CreateRun(run) })
		assert.ErrorIs(t, err, ErrAlreadyExists)

		err = s.Update(ctx, func(tx Tx) error {
			return tx.UpdateTask(&agent.Task{ID: "missing", Version: 1})
		})
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.View(ctx, func(tx Tx) error {
			tk, _ := tx.GetTask(task.ID)
			return tx.UpdateTask(tk)
		})
		assert.Error(t, err, "writes inside View must fail")
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "", 0)
	assert.Error(t, err)
}
