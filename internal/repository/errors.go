package repository

import "errors"

// Sentinel errors for the repository and its backends. Backends wrap these
// with detail via fmt.Errorf("...: %w", Err...) so callers can match with
// errors.Is.
var (
	// ErrChunkNotFound reports an index lookup miss.
	ErrChunkNotFound = errors.New("chunk not in repository")

	// ErrSegment reports a segment-level inconsistency: a failed magic
	// number check, a descriptor with no header entry, or a descriptor out
	// of range.
	ErrSegment = errors.New("segment error")

	// ErrIndex reports a corrupt index transaction record.
	ErrIndex = errors.New("index error")

	// ErrManifest reports a manifest that cannot be trusted: missing chunk
	// settings on first open, a transaction failing tag verification, or a
	// flat file with no valid entries.
	ErrManifest = errors.New("manifest error")

	// ErrFileLock reports that a file expected to be lockable is already
	// locked by another connection.
	ErrFileLock = errors.New("file already locked")

	// ErrRepositoryGloballyLocked reports that the repository root holds a
	// global lock file and may not be opened.
	ErrRepositoryGloballyLocked = errors.New("repository is globally locked")

	// ErrKey reports a failure to read, decrypt, or derive key material.
	ErrKey = errors.New("key error")
)
