package relay

import (
	"sync"

	"call-relay-service/internal/service/media"
)

type pendingMark struct {
	name   string
	itemID string
	ms     int64
}

// playback tracks assistant audio sent to the telephony side versus audio
// the telephony side has confirmed playing (mark echoes), plus the response
// bookkeeping needed to truncate or cancel it.
//
// Marks are acknowledged in the order they were sent.
type playback struct {
	mu sync.Mutex

	marks []pendingMark

	// item currently being played and how much of it was confirmed
	itemID   string
	playedMs int64

	// response between response.created and response.done
	inFlight string

	purposes  map[string]string
	dropItems map[string]bool
	dropResps map[string]bool

	drained chan struct{}
}

func newPlayback() *playback {
	return &playback{
		purposes:  make(map[string]string),
		dropItems: make(map[string]bool),
		dropResps: make(map[string]bool),
		drained:   make(chan struct{}, 1),
	}
}

func (p *playback) responseCreated(responseID, purpose string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = responseID
	if purpose != "" {
		p.purposes[responseID] = purpose
	}
}

// responseDone clears the in-flight response and returns its purpose.
func (p *playback) responseDone(responseID, purpose string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == responseID {
		p.inFlight = ""
	}
	if purpose == "" {
		purpose = p.purposes[responseID]
	}
	return purpose
}

func (p *playback) purposeOf(responseID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.purposes[responseID]
}

func (p *playback) inFlightResponse() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// dropped reports whether audio or transcript for this response/item must not reach the caller.
func (p *playback) dropped(responseID, itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropResps[responseID] || p.dropItems[itemID]
}

func (p *playback) cancelled(responseID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropResps[responseID]
}

// queued records a delta written to telephony followed by mark name.
func (p *playback) queued(itemID, mark string, bytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if itemID != p.itemID {
		p.itemID = itemID
		p.playedMs = 0
	}
	p.marks = append(p.marks, pendingMark{name: mark, itemID: itemID, ms: media.DurationMs(bytes)})
}

// ack pops marks up to and including name. Unknown names (already cleared) are ignored.
func (p *playback) ack(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, m := range p.marks {
		if m.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	for _, m := range p.marks[:idx+1] {
		if m.itemID == p.itemID {
			p.playedMs += m.ms
		}
	}
	p.marks = p.marks[idx+1:]
	if len(p.marks) == 0 {
		p.signalDrained()
	}
	return true
}

func (p *playback) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.marks)
}

// interrupt drops the playing item if it still has unconfirmed audio and
// returns the item and the confirmed offset to truncate at.
func (p *playback) interrupt() (itemID string, audioEndMs int64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.marks) == 0 || p.itemID == "" {
		return "", 0, false
	}
	itemID, audioEndMs = p.itemID, p.playedMs
	p.dropItems[itemID] = true
	p.resetLocked()
	return itemID, audioEndMs, true
}

// cancel drops the in-flight response and any queued audio. It returns the
// cancelled response id (empty when none) and whether audio was queued.
func (p *playback) cancel() (responseID string, hadAudio bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	responseID = p.inFlight
	if responseID != "" {
		p.dropResps[responseID] = true
		p.inFlight = ""
	}
	hadAudio = len(p.marks) > 0
	if p.itemID != "" && hadAudio {
		p.dropItems[p.itemID] = true
	}
	p.resetLocked()
	return responseID, hadAudio
}

func (p *playback) resetLocked() {
	p.marks = nil
	p.itemID = ""
	p.playedMs = 0
	p.signalDrained()
}

func (p *playback) signalDrained() {
	select {
	case p.drained <- struct{}{}:
	default:
	}
}
