package wireproto

import "encoding/json"

// InputEventKind tags the variant carried by an InputEvent payload.
type InputEventKind string

const (
	InputKey                    InputEventKind = "key"
	InputChar                   InputEventKind = "char"
	InputPointerMotion          InputEventKind = "pointer_motion"
	InputPointerMotionAbsolute  InputEventKind = "pointer_motion_absolute"
	InputPointerButton          InputEventKind = "pointer_button"
	InputTabletToolAxis         InputEventKind = "tablet_tool_axis"
	InputTouchDown              InputEventKind = "touch_down"
	InputTouchMotion            InputEventKind = "touch_motion"
	InputTouchUp                InputEventKind = "touch_up"
	InputTouchFrame             InputEventKind = "touch_frame"
	InputTouchCancel            InputEventKind = "touch_cancel"
	InputGesture                InputEventKind = "gesture"
)

// InputEvent is the tagged union sent as the payload of an `input_event`
// frame; Kind selects which of the optional fields is populated.
type InputEvent struct {
	Kind InputEventKind `json:"kind"`

	Key      *KeyData     `json:"key,omitempty"`
	Char     *CharData    `json:"char,omitempty"`
	Pointer  *PointerData `json:"pointer,omitempty"`
	Axis     *AxisData    `json:"axis,omitempty"`
	Touch    *TouchData   `json:"touch,omitempty"`
	Gesture  *GestureData `json:"gesture,omitempty"`
}

type KeyData struct {
	KeyCode uint32 `json:"key_code"`
	Pressed bool   `json:"pressed"`
}

type CharData struct {
	Codepoint rune `json:"codepoint"`
}

// PointerData carries motion deltas (for PointerMotion), absolute
// coordinates (for PointerMotionAbsolute), or a button transition (for
// PointerButton) depending on Kind.
type PointerData struct {
	DX      float64 `json:"dx,omitempty"`
	DY      float64 `json:"dy,omitempty"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Button  uint32  `json:"button,omitempty"`
	Pressed bool    `json:"pressed,omitempty"`
}

type AxisData struct {
	X *float64 `json:"x,omitempty"`
	Y *float64 `json:"y,omitempty"`
}

// TouchData carries one touch contact's state for Down/Motion/Up/Cancel,
// or is empty for Frame.
type TouchData struct {
	ContactID int32   `json:"contact_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type GestureData struct {
	Name   string  `json:"name"`
	Fields []byte  `json:"fields,omitempty"`
}

// PointerClass distinguishes the synthetic input source for translated
// pointer_move events.
type PointerClass string

const (
	ClassMouse PointerClass = "mouse"
	ClassPen   PointerClass = "pen"
	ClassTouch PointerClass = "touch"
)

// BtnLeft is the Linux input-event-codes BTN_LEFT value, used when
// synthesizing a primary-touch pointer button from a touch contact.
const BtnLeft uint32 = 272

func (e InputEvent) MarshalForFrame() ([]byte, error) {
	return json.Marshal(e)
}
