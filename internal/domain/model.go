package domain

import "errors"

type State int

const (
	StateAwaitingGreeting State = iota // client hello
	StateAwaitingRequest               // CONNECT request, DNS, upstream connect
	StateRelaying                      // pipe
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting-greeting"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultBufferSize is the capacity of every per-direction session buffer.
const DefaultBufferSize = 4096

// ErrBufferFull is returned by Buffer.Fill when no space is left.
var ErrBufferFull = errors.New("buffer full")
