package udp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol is matched by every ProtocolError.
var ErrProtocol = errors.New("tracker protocol violation")

// ProtocolError is returned when a well-formed response carries an action other than the one
// requested. Unlike timeouts and transaction id mismatches this isn't retried: the tracker and the
// client disagree about the protocol.
type ProtocolError struct {
	Want Action
	Got  Action
	// The body of an ActionError response.
	Message string
}

func (me *ProtocolError) Error() string {
	if me.Got == ActionError {
		return fmt.Sprintf("tracker error response to %v: %#q", me.Want, strings.TrimRight(me.Message, "\x00"))
	}
	return fmt.Sprintf("unexpected response action %v to %v", me.Got, me.Want)
}

func (me *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
