package domain

import "strings"

// EventType is both an interest set and a readiness set.
type EventType uint32

const (
	EventAccept EventType = 1 << iota
	EventRead
	EventWrite
	EventConnect
	// EventHangup is only ever reported, never registered: the fd failed or
	// hung up while no interest was set on it.
	EventHangup

	EventNone EventType = 0
)

func (e EventType) String() string {
	if e == EventNone {
		return "none"
	}
	var parts []string
	for _, p := range []struct {
		bit  EventType
		name string
	}{
		{EventAccept, "accept"},
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventConnect, "connect"},
		{EventHangup, "hangup"},
	} {
		if e&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
	// HandleIdle runs when a bounded wait returns without readiness.
	HandleIdle()
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	// Stop makes Run return; it may be called from any goroutine.
	Stop()
	// Close releases the loop once Run has returned.
	Close() error
}
