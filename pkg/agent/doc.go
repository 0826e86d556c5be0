// Package agent runs conversational turns against LLM providers with
// session history and provider failover.
//
// Invariants:
// - Turns are serialized per session lane through commandqueue.
// - History is loaded before the provider call; the turn's items are
//   appended in one batch after it succeeds.
// - A failed turn writes nothing.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.RunnerConfig{...})
//	result, _ := runner.Run(ctx, agent.RunParams{
//		Prompt:    "hello",
//		SessionID: "sess_1",
//		Config:    agent.DefaultConfig(),
//	})
//	_ = result
package agent
