package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/luma/kvwire/protocol"
)

var (
	ErrInvalidArgument = protocol.ErrInvalidArgument

	// ErrServer matches every *ServerError.
	ErrServer = errors.New("server error")

	// ErrUnexpectedReply is returned when a reply has the wrong shape for the
	// command that was sent. It matches protocol.ErrProtocol.
	ErrUnexpectedReply = fmt.Errorf("%w: unexpected reply", protocol.ErrProtocol)

	// ErrTxAborted is returned by Exec when a watched key changed and the
	// server discarded the transaction.
	ErrTxAborted = errors.New("transaction aborted: a watched key was modified")

	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")

	// ErrTimeout is returned when an unsubscribe is not confirmed in time.
	ErrTimeout = errors.New("timed out waiting for confirmation")
)

// ServerError is a `-` reply from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

func (e *ServerError) Unwrap() error {
	return ErrServer
}

// Code returns the first word of the message, e.g. "ERR" or "WRONGTYPE".
func (e *ServerError) Code() string {
	code, _, _ := strings.Cut(e.Message, " ")
	return code
}

func unexpectedReply(verb protocol.Verb, reply protocol.Reply) error {
	return fmt.Errorf("%w: %s replied %s", ErrUnexpectedReply, verb, reply)
}
