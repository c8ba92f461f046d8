package vad

import "time"

// Event is the outcome of one detector step.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Detector is the per-utterance speech state machine. It is one-shot: after
// EventSpeechEnd it reports Done and ignores further levels. Not safe for
// concurrent use.
type Detector struct {
	threshold float64
	hangover  time.Duration

	speaking  bool
	lastAbove time.Time
	done      bool
}

// NewDetector creates a detector for the given profile.
func NewDetector(profile NoiseProfile, hangover time.Duration) *Detector {
	return &Detector{threshold: profile.Threshold, hangover: hangover}
}

// Step feeds one level sample observed at now.
func (d *Detector) Step(level float64, now time.Time) Event {
	if d.done {
		return EventNone
	}

	if level > d.threshold {
		d.lastAbove = now
		if !d.speaking {
			d.speaking = true
			return EventSpeechStart
		}
		return EventNone
	}

	if d.speaking && now.Sub(d.lastAbove) > d.hangover {
		d.speaking = false
		d.done = true
		return EventSpeechEnd
	}
	return EventNone
}

// Speaking reports whether an utterance is in progress.
func (d *Detector) Speaking() bool { return d.speaking }

// Done reports whether the detector has emitted its speech-end.
func (d *Detector) Done() bool { return d.done }

// Threshold returns the level above which samples count as speech.
func (d *Detector) Threshold() float64 { return d.threshold }
