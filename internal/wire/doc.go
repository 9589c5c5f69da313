// Package wire implements the encoding used to describe a set of bind
// identifiers during a descriptor handoff.
//
// The encoding is intentionally minimal: identifiers are joined with a single
// ASCII space into a fixed-size buffer, and the matching file descriptors
// travel out-of-band as SCM_RIGHTS ancillary data on the same sendmsg call.
// The i-th identifier corresponds to the i-th descriptor purely by position;
// there is no length prefix, no version byte, and no escaping. Reordering or
// truncating either sequence silently corrupts the mapping, which is why
// encoding fails loudly instead of truncating when the buffer is too small.
//
// Because the delimiter is not escaped, bind identifiers must not contain
// whitespace. Identifiers are address strings (e.g. "127.0.0.1:3000"), which
// cannot, but nothing in this package enforces it.
package wire
