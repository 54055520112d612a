package geotiff

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the package matches one of them with
// errors.Is, except context cancellation and sidecar-not-found conditions.
var (
	// ErrFormat reports a malformed header, directory or tag value.
	ErrFormat = errors.New("geotiff: invalid format")

	// ErrUnsupported reports a valid looking file the engine cannot read,
	// such as an unknown compression or sample depth.
	ErrUnsupported = errors.New("geotiff: unsupported configuration")

	// ErrBlockLocation reports a block that is unavailable, lies outside the
	// stream or a window that lies outside the raster.
	ErrBlockLocation = errors.New("geotiff: invalid block location")

	// ErrCorruptBlock reports a block whose compressed data did not decode.
	ErrCorruptBlock = errors.New("geotiff: corrupt block")

	// ErrResourceLimit reports a read that would exceed a configured ceiling.
	ErrResourceLimit = errors.New("geotiff: resource limit exceeded")

	// ErrFetch reports a byte range that could not be read from the source,
	// after retries for transient failures.
	ErrFetch = errors.New("geotiff: fetch failed")
)

// BlockError is a failure tied to one strip or tile.
type BlockError struct {
	Kind  error
	Index int
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%v: block %d: %v", e.Kind, e.Index, e.Err)
}

func (e *BlockError) Is(target error) bool { return target == e.Kind }

func (e *BlockError) Unwrap() error { return e.Err }

func formatErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

func boundsErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBlockLocation, fmt.Sprintf(format, args...))
}
