package client

import (
	"github.com/everything-os/shift/pkg/layout"
	"github.com/everything-os/shift/pkg/wireproto"
)

// inputTranslator holds the cursor and touch-contact state needed to turn
// raw wire input_event frames into the high-level Event stream (spec.md
// §4.5's "Input translation" table).
type inputTranslator struct {
	placements []layout.Placement

	cursorX, cursorY float64
	hasCursor        bool

	// activeContacts is insertion-ordered; the front is primary. Losing the
	// primary contact promotes the next remaining one rather than dropping
	// touch tracking entirely.
	activeContacts []int32
	contactPos     map[int32][2]float64
	primaryContact *int32
}

func (t *inputTranslator) setPlacements(p []layout.Placement) {
	t.placements = p
	if t.hasCursor {
		t.cursorX, t.cursorY = layout.ClampPointToLayout(p, t.cursorX, t.cursorY)
	}
}

func (t *inputTranslator) translate(ev wireproto.InputEvent) []Event {
	switch ev.Kind {
	case wireproto.InputKey:
		if ev.Key == nil {
			return nil
		}
		return []Event{KeyEvent{KeyCode: ev.Key.KeyCode, Pressed: ev.Key.Pressed}}

	case wireproto.InputChar:
		if ev.Char == nil {
			return nil
		}
		return []Event{CharEvent{Codepoint: ev.Char.Codepoint}}

	case wireproto.InputPointerMotion:
		if ev.Pointer == nil {
			return nil
		}
		return t.movePointer(wireproto.ClassMouse, ev.Pointer.DX, ev.Pointer.DY)

	case wireproto.InputPointerMotionAbsolute:
		if ev.Pointer == nil {
			return nil
		}
		x, y := layout.ClampPointToLayout(t.placements, ev.Pointer.X, ev.Pointer.Y)
		t.cursorX, t.cursorY, t.hasCursor = x, y, true
		return []Event{PointerMoveEvent{Class: wireproto.ClassMouse, X: x, Y: y}}

	case wireproto.InputPointerButton:
		if ev.Pointer == nil {
			return nil
		}
		return []Event{PointerButtonEvent{Class: wireproto.ClassMouse, Button: ev.Pointer.Button, Pressed: ev.Pointer.Pressed, X: t.cursorX, Y: t.cursorY}}

	case wireproto.InputTabletToolAxis:
		return t.translateTabletAxis(ev.Axis)

	case wireproto.InputTouchDown, wireproto.InputTouchMotion, wireproto.InputTouchUp, wireproto.InputTouchCancel:
		return t.translateTouch(ev.Kind, ev.Touch)

	case wireproto.InputTouchFrame:
		return []Event{TouchEvent{Phase: wireproto.InputTouchFrame}}

	case wireproto.InputGesture:
		if ev.Gesture == nil {
			return nil
		}
		return []Event{GestureEvent{Name: ev.Gesture.Name, Fields: ev.Gesture.Fields}}
	}
	return nil
}

func (t *inputTranslator) movePointer(class wireproto.PointerClass, dx, dy float64) []Event {
	startX, startY := t.cursorX, t.cursorY
	if !t.hasCursor {
		startX, startY = 0, 0
	}
	x, y := layout.MoveCursorNoTunnel(t.placements, startX, startY, dx, dy)
	t.cursorX, t.cursorY, t.hasCursor = x, y, true
	return []Event{PointerMoveEvent{Class: class, X: x, Y: y}}
}

// translateTabletAxis scales a unit-range [0,1] axis report to the layout's
// extents before clamping; an axis value outside [0,1] is not a tablet
// position sample (e.g. pressure-only update) and produces no event.
func (t *inputTranslator) translateTabletAxis(axis *wireproto.AxisData) []Event {
	if axis == nil || axis.X == nil || axis.Y == nil {
		return nil
	}
	ux, uy := *axis.X, *axis.Y
	if ux < 0 || ux > 1 || uy < 0 || uy > 1 {
		return nil
	}
	minX, minY, maxX, maxY := layoutExtents(t.placements)
	x, y := layout.ClampPointToLayout(t.placements, minX+ux*(maxX-minX), minY+uy*(maxY-minY))
	t.cursorX, t.cursorY, t.hasCursor = x, y, true
	return []Event{PointerMoveEvent{Class: wireproto.ClassPen, X: x, Y: y}}
}

func layoutExtents(placements []layout.Placement) (minX, minY, maxX, maxY float64) {
	if len(placements) == 0 {
		return 0, 0, 0, 0
	}
	minX, minY = float64(placements[0].X), float64(placements[0].Y)
	maxX, maxY = minX, minY
	for _, p := range placements {
		left, top := float64(p.X), float64(p.Y)
		right, bottom := left+float64(p.Width), top+float64(p.Height)
		if left < minX {
			minX = left
		}
		if top < minY {
			minY = top
		}
		if right > maxX {
			maxX = right
		}
		if bottom > maxY {
			maxY = bottom
		}
	}
	return minX, minY, maxX, maxY
}

// translateTouch maintains the ordered contact set and synthesizes pointer
// down/move/up events with class Touch and button BtnLeft from the primary
// contact; other contacts only ever produce a TouchEvent. Losing the
// primary contact promotes the next remaining one in arrival order.
func (t *inputTranslator) translateTouch(kind wireproto.InputEventKind, touch *wireproto.TouchData) []Event {
	if touch == nil {
		return nil
	}
	if t.contactPos == nil {
		t.contactPos = make(map[int32][2]float64)
	}
	events := []Event{TouchEvent{ContactID: touch.ContactID, Phase: kind, X: touch.X, Y: touch.Y}}

	isPrimary := t.primaryContact != nil && *t.primaryContact == touch.ContactID
	switch kind {
	case wireproto.InputTouchDown:
		t.contactPos[touch.ContactID] = [2]float64{touch.X, touch.Y}
		t.activeContacts = append(t.activeContacts, touch.ContactID)
		if t.primaryContact == nil {
			id := touch.ContactID
			t.primaryContact = &id
			isPrimary = true
		}
		if isPrimary {
			x, y := layout.ClampPointToLayout(t.placements, touch.X, touch.Y)
			t.cursorX, t.cursorY, t.hasCursor = x, y, true
			events = append(events, PointerButtonEvent{Class: wireproto.ClassTouch, Button: wireproto.BtnLeft, Pressed: true, X: x, Y: y})
		}
	case wireproto.InputTouchMotion:
		t.contactPos[touch.ContactID] = [2]float64{touch.X, touch.Y}
		if isPrimary {
			x, y := layout.ClampPointToLayout(t.placements, touch.X, touch.Y)
			t.cursorX, t.cursorY, t.hasCursor = x, y, true
			events = append(events, PointerMoveEvent{Class: wireproto.ClassTouch, X: x, Y: y})
		}
	case wireproto.InputTouchUp:
		if isPrimary {
			x, y := layout.ClampPointToLayout(t.placements, touch.X, touch.Y)
			events = append(events, PointerButtonEvent{Class: wireproto.ClassTouch, Button: wireproto.BtnLeft, Pressed: false, X: x, Y: y})
		}
		t.releaseContact(touch.ContactID)
	case wireproto.InputTouchCancel:
		if isPrimary {
			events = append(events, PointerButtonEvent{Class: wireproto.ClassTouch, Button: wireproto.BtnLeft, Pressed: false, X: t.cursorX, Y: t.cursorY})
		}
		t.releaseContact(touch.ContactID)
	}
	return events
}

// releaseContact drops id from the active set, promoting the next
// remaining contact to primary if id was primary.
func (t *inputTranslator) releaseContact(id int32) {
	delete(t.contactPos, id)
	for i, c := range t.activeContacts {
		if c == id {
			t.activeContacts = append(t.activeContacts[:i], t.activeContacts[i+1:]...)
			break
		}
	}
	if t.primaryContact != nil && *t.primaryContact == id {
		t.primaryContact = nil
		if len(t.activeContacts) > 0 {
			next := t.activeContacts[0]
			t.primaryContact = &next
		}
	}
}
