package domain

// ClientName identifies one of the supported external services.
type ClientName string

// The closed set of supported clients.
const (
	ClientABS         ClientName = "ABS"
	ClientKoSync      ClientName = "KoReaderSync"
	ClientStoryteller ClientName = "Storyteller"
	ClientBooklore    ClientName = "Booklore"
	ClientHardcover   ClientName = "Hardcover"
)

// AllClients lists every supported client in deterministic order.
// The ordering doubles as the final leader-election tie-break.
var AllClients = []ClientName{
	ClientABS,
	ClientBooklore,
	ClientHardcover,
	ClientKoSync,
	ClientStoryteller,
}

// LocatorKind tags the coordinate system a locator lives in.
type LocatorKind string

// Locator kinds.
const (
	LocatorAudio LocatorKind = "audio"
	LocatorText  LocatorKind = "text"
)

// AudioPosition is a position expressed in audio time.
type AudioPosition struct {
	Timestamp float64 `json:"ts"`                 // seconds into the audio
	Duration  float64 `json:"duration,omitempty"` // total seconds, when known
}

// TextPosition is a position expressed against the ebook text, with
// whatever rich locator payloads the reporting client provided.
type TextPosition struct {
	Percentage  float64 `json:"pct"`
	XPath       string  `json:"xpath,omitempty"`
	CSSSelector string  `json:"css,omitempty"`
	Fragment    string  `json:"frag,omitempty"`
	CFI         string  `json:"cfi,omitempty"`
}

// Locator is the tagged union of the two coordinate systems. Exactly one
// of Audio/Text is set, selected by Kind.
type Locator struct {
	Kind  LocatorKind    `json:"kind"`
	Audio *AudioPosition `json:"audio,omitempty"`
	Text  *TextPosition  `json:"text,omitempty"`
}

// NewAudioLocator builds an audio-coordinate locator.
func NewAudioLocator(ts, duration float64) Locator {
	return Locator{Kind: LocatorAudio, Audio: &AudioPosition{Timestamp: ts, Duration: duration}}
}

// NewTextLocator builds a text-coordinate locator carrying only a percentage.
func NewTextLocator(pct float64) Locator {
	return Locator{Kind: LocatorText, Text: &TextPosition{Percentage: pct}}
}

// ClientState is the last-known position of one (book, client) pair.
type ClientState struct {
	BookID      string     `json:"book_id"`
	Client      ClientName `json:"client"`
	LastUpdated float64    `json:"last_updated"` // seconds since epoch
	DeviceID    string     `json:"device_id,omitempty"`
	Locator     Locator    `json:"locator"`
}

// NormalizedPct converts the state's position to a 0.0-1.0 fraction.
// Audio positions require a known duration; ok is false otherwise.
func (s *ClientState) NormalizedPct(duration float64) (pct float64, ok bool) {
	switch s.Locator.Kind {
	case LocatorAudio:
		if s.Locator.Audio == nil {
			return 0, false
		}
		d := s.Locator.Audio.Duration
		if d <= 0 {
			d = duration
		}
		if d <= 0 {
			return 0, false
		}
		return clampPct(s.Locator.Audio.Timestamp / d), true
	case LocatorText:
		if s.Locator.Text == nil {
			return 0, false
		}
		return clampPct(s.Locator.Text.Percentage), true
	default:
		return 0, false
	}
}

func clampPct(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
