// Package wavecell is a particle-simulation engine (smoothed-particle
// hydrodynamics) built around an asynchronous task-graph executor.
//
// Simulation state lives in named Variables (package vars) that track the
// completion events of their most recent writer and outstanding readers.
// Each simulation step runs an ordered pipeline of Tools (package engine)
// over a device command queue (package device); tools never block the host
// on their own work, only on the completion handles of work they depend on.
// Cooperating processes exchange migrating particles through package
// transport.
//
// The root package carries the error taxonomy shared by the subpackages.
package wavecell
