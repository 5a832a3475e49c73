package domain

import "errors"

// Sentinel errors matching the taxonomy of spec.md §7. Callers use
// errors.Is to classify a returned error; the HTTP adapter maps each to
// a status code.
var (
	// ErrNotFound: mediaId absent in the catalog, or the source file is
	// missing on disk. Maps to HTTP 404.
	ErrNotFound = errors.New("jithls: not found")

	// ErrBadRequest: malformed segment name, out-of-range segment number,
	// or unknown quality name. Maps to HTTP 400.
	ErrBadRequest = errors.New("jithls: bad request")

	// ErrProbeFailed: the probing tool returned no data, timed out, or
	// produced no keyframes.
	ErrProbeFailed = errors.New("jithls: probe failed")

	// ErrPlaylistWrite: a filesystem write failed during initialization.
	// The cache entry is rolled back.
	ErrPlaylistWrite = errors.New("jithls: playlist write failed")

	// ErrTranscodeFailed: the encoder exited non-zero after all eligible
	// backend attempts.
	ErrTranscodeFailed = errors.New("jithls: transcode failed")

	// ErrShutdown: the engine is refusing new work because it has been
	// shut down.
	ErrShutdown = errors.New("jithls: engine shut down")
)
