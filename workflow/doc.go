// Package workflow holds the declarative execution graph engine. A graph is a
// set of typed nodes (start, end, agent, router, action, merge, tool) joined
// by labeled edges; runs thread an immutable ExecutionState through the nodes,
// merging the partial update each step returns. Cycles are legal but bounded
// by a ceiling on agent steps.
//
// Two strategies execute the same graph with identical semantics: Executor
// interprets the graph directly, and Compiler lowers it into pre-resolved
// callbacks and label-to-target route tables for repeated runs.
package workflow
