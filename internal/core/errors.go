package core

import "errors"

// Failure classes for the bridge. Credential and connection errors are fatal
// to a session; publish and protocol errors are per-message and swallowed
// after logging.
var (
	ErrCredential   = errors.New("credential issuance failed")
	ErrConnection   = errors.New("room connection failed")
	ErrPublish      = errors.New("room publish failed")
	ErrProtocol     = errors.New("malformed provider event")
	ErrInvalidState = errors.New("operation out of sequence")
)
