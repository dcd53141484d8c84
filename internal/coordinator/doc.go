// Package coordinator implements the annotation workflow: handing out the
// next image from the shared queue, saving annotations, updating quality
// flags and rebuilding the queue.
//
// Every mutation of the annotation state runs under the per-image lock and
// then the whole-state lock, released in reverse order. Queue rebuilds take
// the queue lock and then the state lock, and abort unless both are held.
package coordinator
