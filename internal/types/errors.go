package types

import "errors"

var (
	// ErrDecode is returned when the submitted bytes are not a decodable image.
	ErrDecode = errors.New("image decode failed")
	// ErrNoFaces is returned when the engine finds no face in the image.
	ErrNoFaces = errors.New("no face detected")
	// ErrInvalidKey is returned for keys that do not follow the cache key schema.
	ErrInvalidKey = errors.New("invalid face key")
	// ErrSiblingUnreachable marks a failed handoff to the other stage.
	ErrSiblingUnreachable = errors.New("sibling stage unreachable")
	// ErrSinkUnreachable marks a forward that exhausted its retries.
	ErrSinkUnreachable = errors.New("storage sink unreachable")
	// ErrNotFound is returned by lookups on keys that were never written.
	ErrNotFound = errors.New("record not found")
)
