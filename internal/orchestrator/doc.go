// Package orchestrator coordinates the task workflow.
//
// A Coordinator ties together the pieces that move a task from the inbox to
// done:
//   - the agent Supervisor, which runs one external agent process per task
//   - the StateMachine, which owns every status change and its side effects
//   - the review Protocol, which runs planning and review meetings
//   - the DelegationQueue, which hands foreign subtasks to other departments
//     one child task at a time
//
// Run completions drive status changes, and status changes drive review and
// delegation. All in-memory coordination state (stop requests, meeting
// locks, review rounds, delegation tokens, presence) lives in a single
// WorkflowStore so it can be inspected and dropped per task.
//
// Example usage:
//
//	coord, err := orchestrator.New(orchestrator.RequiredConfig{
//		Store:     db,
//		Directory: org,
//		Runners:   runners,
//	}, orchestrator.WithPolicy(pol), orchestrator.WithSink(sink))
//	if err != nil {
//		return err
//	}
//	defer coord.Close(ctx)
//	task, err := coord.SubmitTask(ctx, orchestrator.NewTask{Title: "Add retry", DepartmentID: "engineering"})
//	err = coord.StartExecution(ctx, task.ID)
package orchestrator
