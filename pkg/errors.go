package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrHashComputation is returned when a ring position cannot be computed.
	// Routing aborts instead of guessing an owner.
	ErrHashComputation = errors.New("hash computation failed")

	// ErrMalformedMessage is returned for frames that cannot be decoded
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnexpectedMessage is returned for well-formed messages a node does not accept
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrReservedKey is returned when a wildcard key is used where it has no meaning
	ErrReservedKey = errors.New("reserved key")

	// ErrInvalidKey is returned for keys or values that cannot travel on the wire
	ErrInvalidKey = errors.New("invalid key or value")

	// ErrRemoteNotSet is returned when a message must leave the node but no client is configured
	ErrRemoteNotSet = errors.New("remote client not set")
)
