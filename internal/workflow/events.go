package workflow

import (
	"github.com/example/flower-id/internal/classifier"
	"github.com/example/flower-id/internal/wiki"
)

// Event is a message routed to an Orchestrator's loop.
type Event interface {
	eventName() string
}

// RequestCapture opens the camera picker.
type RequestCapture struct{}

// RequestLibraryPick opens the photo library picker.
type RequestLibraryPick struct{}

// ImageAcquired hands a picked image to the flow and restarts it.
type ImageAcquired struct {
	Image []byte
}

// Cancel dismisses an open picker without touching the rest of the screen.
type Cancel struct{}

func (RequestCapture) eventName() string     { return "request_capture" }
func (RequestLibraryPick) eventName() string { return "request_library_pick" }
func (ImageAcquired) eventName() string      { return "image_acquired" }
func (Cancel) eventName() string             { return "cancel" }

// Results of background work carry the generation that started them.
type classifyStart struct {
	generation uint64
	image      []byte
}

type classified struct {
	generation  uint64
	predictions []classifier.Prediction
	err         error
}

type lookedUp struct {
	generation uint64
	outcome    wiki.Outcome
	err        error
}

func (classifyStart) eventName() string { return "classify_start" }
func (classified) eventName() string    { return "classified" }
func (lookedUp) eventName() string      { return "looked_up" }

// ParseEvent maps a client event name to the user event it triggers.
// ImageAcquired carries a payload and is not reachable by name.
func ParseEvent(name string) (Event, bool) {
	switch name {
	case "request_capture":
		return RequestCapture{}, true
	case "request_library_pick":
		return RequestLibraryPick{}, true
	case "cancel":
		return Cancel{}, true
	}
	return nil, false
}
