package agent

import (
	"fmt"
	"math"
	"strings"
	"time"

	"stepflow/internal/workflow"
)

// NewChain builds a pending chain from link specs. Nothing is assigned until Start.
func NewChain(taskID string, specs []workflow.ChainLinkSpec, now time.Time) *CollaborativeTask {
	links := make([]ChainLink, len(specs))
	for i, s := range specs {
		links[i] = ChainLink{
			AgentID:       s.AgentID,
			AgentType:     s.AgentType,
			Role:          s.Role,
			Sequence:      i,
			EstimatedTime: s.EstimatedTime,
			Status:        LinkPending,
		}
	}
	c := &CollaborativeTask{
		TaskID:              taskID,
		AgentChain:          links,
		CollaborationStatus: CollabPending,
		Version:             1,
		UpdatedAt:           now,
	}
	c.Recompute()
	return c
}

// CurrentLink returns the link holding the chain, or nil once every link is done.
func (c *CollaborativeTask) CurrentLink() *ChainLink {
	if c.CurrentAgentIndex < 0 || c.CurrentAgentIndex >= len(c.AgentChain) {
		return nil
	}
	return &c.AgentChain[c.CurrentAgentIndex]
}

// Start assigns the first open link. Starting a running or finished chain is a no-op.
func (c *CollaborativeTask) Start(now time.Time) (bool, error) {
	switch c.CollaborationStatus {
	case CollabInProgress, CollabCompleted:
		return false, nil
	case CollabBlocked:
		return false, fmt.Errorf("%w: task %s must be unblocked first", ErrChainBlocked, c.TaskID)
	}
	c.assignFrom(0, now)
	c.UpdatedAt = now
	return true, nil
}

// Begin moves the current link from assigned to in-progress.
func (c *CollaborativeTask) Begin(agentID string, now time.Time) (bool, error) {
	link, err := c.heldBy(agentID)
	if err != nil {
		return false, err
	}
	if link.Status == LinkInProgress {
		return false, nil
	}
	c.begin(link, now)
	c.UpdatedAt = now
	return true, nil
}

// ReportProgress records partial progress for the current link, beginning it if needed.
func (c *CollaborativeTask) ReportProgress(agentID string, pct float64, now time.Time) (bool, error) {
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return false, fmt.Errorf("%w: %v is outside 0..100", ErrInvalidProgress, pct)
	}
	link, err := c.heldBy(agentID)
	if err != nil {
		return false, err
	}
	if pct < link.Progress {
		return false, fmt.Errorf("%w: link progress cannot drop from %.0f to %.0f", ErrInvalidProgress, link.Progress, pct)
	}
	if pct == link.Progress && link.Status == LinkInProgress {
		return false, nil
	}
	c.begin(link, now)
	link.Progress = pct
	c.Recompute()
	c.UpdatedAt = now
	return true, nil
}

// Advance applies the current agent's outcome and hands off to the next open link.
// Advancing a completed chain succeeds without changing anything.
func (c *CollaborativeTask) Advance(agentID string, outcome Outcome, now time.Time) (bool, error) {
	if c.CollaborationStatus == CollabCompleted {
		return false, nil
	}
	if outcome != OutcomeCompleted && outcome != OutcomeBlocked && outcome != OutcomeSkipped {
		return false, fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, outcome)
	}
	link, err := c.heldBy(agentID)
	if err != nil {
		return false, err
	}

	if outcome == OutcomeBlocked {
		link.Status = LinkBlocked
		c.CollaborationStatus = CollabBlocked
		c.Recompute()
		c.UpdatedAt = now
		return true, nil
	}

	if link.StartedAt == nil {
		started := now
		link.StartedAt = &started
	}
	done := now
	link.CompletedAt = &done
	minutes := int(math.Round(now.Sub(*link.StartedAt).Minutes()))
	link.ActualTime = &minutes
	link.Progress = 100
	if outcome == OutcomeSkipped {
		link.Status = LinkSkipped
	} else {
		link.Status = LinkCompleted
	}

	c.assignFrom(link.Sequence+1, now)
	c.UpdatedAt = now
	return true, nil
}

// Unblock resets the blocked link and reassigns it.
func (c *CollaborativeTask) Unblock(now time.Time) error {
	if c.CollaborationStatus != CollabBlocked {
		return fmt.Errorf("%w: task %s chain is %s, not blocked", ErrInvalidTransition, c.TaskID, c.CollaborationStatus)
	}
	link := c.CurrentLink()
	if link == nil {
		return fmt.Errorf("%w: task %s has no blocked link", ErrInvalidTransition, c.TaskID)
	}
	link.Status = LinkPending
	c.assignFrom(link.Sequence, now)
	c.UpdatedAt = now
	return nil
}

// AddHandoffNote appends a note to the current link.
func (c *CollaborativeTask) AddHandoffNote(agentID, note string, now time.Time) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Errorf("%w: note is required", ErrInvalidRequest)
	}
	link := c.CurrentLink()
	if link == nil {
		return fmt.Errorf("%w: task %s chain is completed", ErrInvalidTransition, c.TaskID)
	}
	if link.AgentID != agentID {
		return fmt.Errorf("%w: %s holds task %s, not %s", ErrNotCurrentAgent, link.AgentID, c.TaskID, agentID)
	}
	link.HandoffNotes = append(link.HandoffNotes, note)
	c.UpdatedAt = now
	return nil
}

// Recompute re-derives the current index, overall progress and completion from link states.
func (c *CollaborativeTask) Recompute() {
	c.CurrentAgentIndex = len(c.AgentChain)
	var total float64
	for i := range c.AgentChain {
		l := &c.AgentChain[i]
		if !l.Status.done() && c.CurrentAgentIndex == len(c.AgentChain) {
			c.CurrentAgentIndex = i
		}
		total += l.effectiveProgress()
	}
	if len(c.AgentChain) == 0 {
		c.OverallProgress = 100
	} else {
		c.OverallProgress = total / float64(len(c.AgentChain))
	}
	if c.CurrentAgentIndex == len(c.AgentChain) {
		c.CollaborationStatus = CollabCompleted
		c.OverallProgress = 100
	}
}

// effectiveProgress is a link's contribution to overall progress. A blocked
// or reassigned link keeps the partial progress it already reported.
func (l *ChainLink) effectiveProgress() float64 {
	switch l.Status {
	case LinkCompleted, LinkSkipped:
		return 100
	case LinkPending:
		return 0
	}
	return l.Progress
}

// heldBy returns the current link if agentID owns it and the chain is running.
func (c *CollaborativeTask) heldBy(agentID string) (*ChainLink, error) {
	switch c.CollaborationStatus {
	case CollabPending:
		return nil, fmt.Errorf("%w: task %s chain has not been started", ErrInvalidTransition, c.TaskID)
	case CollabBlocked:
		return nil, fmt.Errorf("%w: task %s must be unblocked first", ErrChainBlocked, c.TaskID)
	case CollabCompleted:
		return nil, fmt.Errorf("%w: task %s chain is completed", ErrInvalidTransition, c.TaskID)
	}
	link := c.CurrentLink()
	if link == nil || link.AgentID != agentID {
		holder := ""
		if link != nil {
			holder = link.AgentID
		}
		return nil, fmt.Errorf("%w: %s holds task %s, not %s", ErrNotCurrentAgent, holder, c.TaskID, agentID)
	}
	return link, nil
}

func (c *CollaborativeTask) begin(link *ChainLink, now time.Time) {
	link.Status = LinkInProgress
	if link.StartedAt == nil {
		started := now
		link.StartedAt = &started
	}
}

// assignFrom hands the chain to the first open link at or after i.
func (c *CollaborativeTask) assignFrom(i int, now time.Time) {
	for ; i < len(c.AgentChain); i++ {
		l := &c.AgentChain[i]
		if l.Status.done() {
			continue
		}
		l.Status = LinkAssigned
		if l.StartedAt == nil {
			started := now
			l.StartedAt = &started
		}
		c.CollaborationStatus = CollabInProgress
		break
	}
	c.Recompute()
}
