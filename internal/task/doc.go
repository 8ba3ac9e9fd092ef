// Package task defines the contract between the execution engine and the units
// of work it runs: tasks, phases, results, the per-task environment and the
// registry a project exposes its tasks through.
//
// Tasks are immutable once registered. The engine reads Depends and Children to
// build the execution graph and calls Execute once per run of a task.
package task
