// Package vars holds the simulation state: typed, named Variables that own
// device buffers (arrays) or host-mirrored values (scalars), and a Registry
// that creates them from declaration-time type names and arithmetic length
// expressions.
//
// Every Variable tracks its most recent writer event and its outstanding
// reader events. These drive the engine's hazard discipline: readers wait
// for the writer, writers wait for the writer and all readers.
package vars
