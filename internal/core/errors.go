package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("signaling transport not connected")
	ErrAlreadyStarted = errors.New("session connect already attempted")
	ErrClosed         = errors.New("session closed")
	ErrInputNotOpen   = errors.New("input channel not open")
)

// AuthenticationError reports that the broker rejected the credentials.
// It is never retried internally.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "invalid credentials"
	}
	return "invalid credentials: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived on Topic in time.
type TimeoutError struct {
	Topic string
}

func (e *TimeoutError) Error() string {
	if e.Topic == "" {
		return "timed out"
	}
	return fmt.Sprintf("timed out waiting on %s", e.Topic)
}

// PeerConnectionTimeoutError is the whole-negotiation deadline. errors.As
// matches it both as itself and as *TimeoutError.
type PeerConnectionTimeoutError struct {
	TimeoutError
}

func (e *PeerConnectionTimeoutError) Error() string {
	return "timed out connecting to desktop"
}

func (e *PeerConnectionTimeoutError) Unwrap() error { return &e.TimeoutError }

// SignalingError is a transport level connect or publish failure.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// NegotiationError covers malformed descriptions and peer connection
// failures during offer/answer.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
