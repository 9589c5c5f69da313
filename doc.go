// Package hotswap implements zero downtime binary replacement for processes
// that hold listening sockets.
//
// A process registers the listeners it serves on in a descriptor registry.
// When a replacement binary starts, it waits on a well-known unix socket
// path; the outgoing process connects to that path and transmits every
// registered descriptor in a single message, with the bind identifiers as
// regular data and the descriptors themselves as SCM_RIGHTS ancillary data.
// The replacement reconstructs its listeners from the received descriptors
// instead of binding fresh sockets, so no connection is dropped and no
// bind-port race occurs.
//
// How and when a replacement process is started is entirely out of scope;
// both processes only need to agree on the well-known path. Transfers use
// blocking sleeps and socket calls with bounded, errno-classified retries;
// run Receive and Handoff off any latency-sensitive goroutine.
package hotswap
