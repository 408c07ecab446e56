package client

import (
	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/wireproto"
)

// RenderMode selects how the runtime schedules redraws. In Eager mode,
// every successful buffer_request reschedules its monitor immediately so
// double-buffering keeps pipelining; in Scheduled mode only monitors the
// application explicitly marks are redrawn.
type RenderMode int

const (
	Eager RenderMode = iota
	Scheduled
)

// Event is the single tagged union dispatched to an Application's
// HandleEvent. This replaces a per-topic closure-list registration scheme
// with one flat dispatch method: the application owns one object, not a
// heap of independently-owned callbacks.
type Event interface{ isClientEvent() }

// RenderEvent asks the application to draw into the given monitor's
// acquired FBO; the runtime calls it from acquire_next's success path.
type RenderEvent struct {
	Monitor ids.MonitorID
	Buffer  ids.BufferIndex
}

func (RenderEvent) isClientEvent() {}

// PresentEvent reports that a previously busy buffer has been released
// back to Free by the server.
type PresentEvent struct {
	Monitor ids.MonitorID
	Buffer  ids.BufferIndex
}

func (PresentEvent) isClientEvent() {}

// PointerMoveEvent is the translated result of PointerMotion,
// PointerMotionAbsolute, or TabletToolAxis input.
type PointerMoveEvent struct {
	Class wireproto.PointerClass
	X, Y  float64
}

func (PointerMoveEvent) isClientEvent() {}

// PointerButtonEvent is a button transition, either from a real pointer
// device or synthesized from the primary touch contact.
type PointerButtonEvent struct {
	Class   wireproto.PointerClass
	Button  uint32
	Pressed bool
	X, Y    float64
}

func (PointerButtonEvent) isClientEvent() {}

// TouchEvent reports one raw touch contact, delivered for every contact
// (including the primary one, which additionally synthesizes pointer
// events).
type TouchEvent struct {
	ContactID int32
	Phase     wireproto.InputEventKind
	X, Y      float64
}

func (TouchEvent) isClientEvent() {}

type GestureEvent struct {
	Name   string
	Fields []byte
}

func (GestureEvent) isClientEvent() {}

type KeyEvent struct {
	KeyCode uint32
	Pressed bool
}

func (KeyEvent) isClientEvent() {}

type CharEvent struct {
	Codepoint rune
}

func (CharEvent) isClientEvent() {}

type MonitorAddedEvent struct {
	Monitor ids.MonitorID
	Name    string
	Width   int32
	Height  int32
	Refresh int32
}

func (MonitorAddedEvent) isClientEvent() {}

type MonitorRemovedEvent struct {
	Monitor ids.MonitorID
	Name    string
}

func (MonitorRemovedEvent) isClientEvent() {}

type SessionAwakeEvent struct{}

func (SessionAwakeEvent) isClientEvent() {}

type SessionSleepEvent struct{}

func (SessionSleepEvent) isClientEvent() {}

type ErrorEvent struct {
	Code    wireproto.ErrorCode
	Message string
}

func (ErrorEvent) isClientEvent() {}

// Application is the single entry point an embedding program implements;
// every translated protocol and input event is funnelled through it.
type Application interface {
	HandleEvent(ev Event)
}
