package wire

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	// PayloadCap is the fixed capacity, in bytes, of the encoded name buffer
	// carried as the regular data of a handoff message.
	PayloadCap = 2048
	// MaxFds is the most descriptors a single handoff message may carry as
	// ancillary data. Registries larger than this cannot be transferred
	// without resizing both sides.
	MaxFds = 32
)

var (
	// ErrPayloadOverflow is returned when the joined identifiers do not fit
	// in the destination buffer. Nothing is written in that case.
	ErrPayloadOverflow = errors.New("wire: encoded names exceed payload capacity")
	// ErrTooManyDescriptors is returned when a transfer would carry more
	// descriptors than MaxFds.
	ErrTooManyDescriptors = errors.New("wire: descriptor count exceeds ancillary capacity")
)

// EncodeNames joins names with single spaces and writes the result into buf,
// returning the number of bytes written.
func EncodeNames(names []string, buf []byte) (int, error) {
	joined := strings.Join(names, " ")
	if len(joined) > len(buf) {
		return 0, errors.Wrapf(ErrPayloadOverflow, "%d bytes into %d", len(joined), len(buf))
	}
	return copy(buf, joined), nil
}

// DecodeNames splits buf on runs of whitespace into the ordered identifier
// list. Empty input decodes to an empty list.
func DecodeNames(buf []byte) []string {
	return strings.Fields(string(buf))
}

// CheckFdCount validates that n descriptors fit in one handoff message.
func CheckFdCount(n int) error {
	if n > MaxFds {
		return errors.Wrapf(ErrTooManyDescriptors, "%d > %d", n, MaxFds)
	}
	return nil
}
