// Package engine orchestrates the per-step simulation pipeline: a Server
// owns the variable registry, the device command queue and an ordered list
// of Tools, and runs one pass over them per step.
//
// Tools declare the variables they read and write; the server derives each
// tool's wait-set from the outstanding hazard events of those variables and
// never orders device work through host blocking. The built-in tools cover
// reductions, radix sorting, the cell-indexed neighbor structure, scalar
// expressions, report files and the distributed particle exchange.
package engine
