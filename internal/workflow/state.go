package workflow

import "time"

// Phase is the position of a session in the identification flow.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePicking      Phase = "picking"
	PhaseClassifying  Phase = "classifying"
	PhaseUnrecognized Phase = "unrecognized"
	PhaseRejected     Phase = "rejected"
	PhaseLookingUp    Phase = "looking_up"
	PhaseFound        Phase = "found"
	PhaseNotFound     Phase = "not_found"
	PhaseFatal        Phase = "fatal"
)

// Terminal reports whether no further transition happens without a new image.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseUnrecognized, PhaseRejected, PhaseFound, PhaseNotFound, PhaseFatal:
		return true
	}
	return false
}

// Source is where an image is requested from.
type Source string

const (
	SourceCamera  Source = "camera"
	SourceLibrary Source = "photo_library"
)

// Screen texts.
const (
	TextDetecting        = "Detecting..."
	TextObtaining        = "Obtaining information..."
	TextUnableTitle      = "Unable to recognize."
	TextTryAgain         = "Please try again."
	TextNoInformation    = "No specific flower information found."
	TextUnavailableTitle = "Flower recognition unavailable."
	TextUnavailable      = "The species classifier could not be loaded."
)

// ScreenState is what the presentation surface renders. It is derived only
// from the latest classification and lookup of the current generation.
type ScreenState struct {
	SessionID       string    `json:"session_id"`
	Generation      uint64    `json:"generation"`
	Phase           Phase     `json:"phase"`
	Picker          Source    `json:"picker,omitempty"`
	Source          Source    `json:"source,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	ReadMoreVisible bool      `json:"read_more_visible"`
	Species         string    `json:"species,omitempty"`
	Confidence      float32   `json:"confidence,omitempty"`
	PageID          string    `json:"page_id,omitempty"`
	ReferenceURL    string    `json:"reference_url,omitempty"`
	ImageType       string    `json:"image_type,omitempty"`
	ImageBytes      int       `json:"image_bytes,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *ScreenState) showUnrecognized() {
	s.Title = TextUnableTitle
	s.Description = TextTryAgain
	s.clearReference()
}

func (s *ScreenState) clearReference() {
	s.ReadMoreVisible = false
	s.PageID = ""
	s.ReferenceURL = ""
}
