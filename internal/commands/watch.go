package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"stepflow/internal/eventbus"
	"stepflow/internal/orchestrator"
	"stepflow/internal/output"
	"stepflow/internal/tui"
	"stepflow/internal/ui"
)

// WatchOptions configure `stepflow watch`.
type WatchOptions struct {
	ProjectID string
	RunID     string
	Plain     bool
}

// RunWatch follows projectID's event room until the connection drops or ctx
// is cancelled.
func RunWatch(ctx context.Context, client *apiClient, opts WatchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := client.dialEvents(ctx, opts.ProjectID)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	events := make(chan eventbus.Event, 16)
	go pumpEvents(ctx, conn, opts.ProjectID, events)

	if !opts.Plain && !output.JSONMode && term.IsTerminal(int(os.Stdout.Fd())) {
		return tui.Run(tui.WatchConfig{
			ProjectID: opts.ProjectID,
			RunID:     opts.RunID,
			Events:    events,
			LoadSteps: func(ctx context.Context, runID string) ([]*orchestrator.StepView, error) {
				list, err := client.listSteps(ctx, runID)
				if err != nil {
					return nil, err
				}
				return list.Steps, nil
			},
		})
	}

	ui.ShowInfo("Watching project %s (Ctrl+C to stop)", opts.ProjectID)
	for ev := range events {
		if opts.RunID != "" && !eventForRun(ev, opts.RunID) {
			continue
		}
		if output.JSONMode {
			output.Print(ev, nil)
			continue
		}
		fmt.Fprintf(ui.Out, "%s %s\n", ev.Timestamp.Local().Format("15:04:05"), tui.DescribeEvent(ev))
	}
	if ctx.Err() == nil {
		ui.ShowWarning("Disconnected")
	}
	return nil
}

// pumpEvents forwards websocket frames to out until the connection fails.
// Gateway error frames surface as system messages.
func pumpEvents(ctx context.Context, conn *websocket.Conn, projectID string, out chan<- eventbus.Event) {
	defer close(out)
	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		ev := eventbus.Event{}
		switch {
		case f.Event != nil:
			ev = *f.Event
		case f.Control == "error":
			ev = eventbus.NewSystemMessage(projectID, "error", f.Message)
		default:
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// eventForRun reports whether ev concerns runID. Events that carry no run id
// always pass.
func eventForRun(ev eventbus.Event, runID string) bool {
	switch p := ev.Payload.(type) {
	case eventbus.WorkflowUpdatePayload:
		return p.WorkflowID == "" || p.WorkflowID == runID
	case eventbus.ProjectStatusPayload:
		return p.WorkflowID == "" || p.WorkflowID == runID
	case eventbus.AgentMessagePayload:
		return p.WorkflowID == "" || p.WorkflowID == runID
	}
	return true
}
