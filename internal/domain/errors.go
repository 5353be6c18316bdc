package domain

import "errors"

var (
	ErrNoSession      = errors.New("no active session")
	ErrSessionRevoked = errors.New("session revoked during refresh")
	ErrChannelClosed  = errors.New("channel closed")
)
