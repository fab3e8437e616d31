package session

import (
	"fmt"
	"time"
)

// utteranceAssembler buffers raw binary audio frames and emits a
// synthetic finalized transcript once a fixed frame-count threshold is
// reached. The threshold is an end-of-utterance heuristic for the
// teaching variant, not voice-activity detection; a production
// deployment replaces it with a streaming transcription collaborator
// that emits finalized-transcript events directly.
type utteranceAssembler struct {
	threshold int
	frames    int
	startedAt time.Time
	now       func() time.Time
}

const defaultFrameThreshold = 50

func newUtteranceAssembler(threshold int, now func() time.Time) *utteranceAssembler {
	if threshold <= 0 {
		threshold = defaultFrameThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &utteranceAssembler{threshold: threshold, now: now}
}

// add consumes one audio frame. When the frame count reaches the
// threshold it resets the buffer and returns the synthetic transcript
// with done=true.
func (a *utteranceAssembler) add(frame []byte) (transcript string, done bool) {
	if len(frame) == 0 {
		return "", false
	}
	if a.frames == 0 {
		a.startedAt = a.now()
	}
	a.frames++
	if a.frames < a.threshold {
		return "", false
	}

	elapsed := a.now().Sub(a.startedAt).Round(time.Millisecond)
	transcript = fmt.Sprintf("[caller audio: %d frames over %s]", a.frames, elapsed)
	a.reset()
	return transcript, true
}

// pending reports how many frames are buffered.
func (a *utteranceAssembler) pending() int {
	return a.frames
}

func (a *utteranceAssembler) reset() {
	a.frames = 0
	a.startedAt = time.Time{}
}
