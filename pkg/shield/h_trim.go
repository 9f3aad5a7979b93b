package shield

import (
	"sync"

	"go.uber.org/zap"
)

// trimmer reclaims version-chain history no open transaction can still
// observe. It tracks, across commits, which participants reported a
// write since they were last trimmed, rather than walking every Shielded
// or ShieldedDict ever created. A participant drops out of that set again
// once its own trim pass has run, re-entering only on its next write.
type trimmer struct {
	clock *clock
	every uint32
	log   *zap.SugaredLogger

	mu      sync.Mutex
	recent  map[Participant]struct{}
	counter uint32
}

func newTrimmer(c *clock, every uint32, log *zap.SugaredLogger) *trimmer {
	if every == 0 {
		every = 1
	}
	return &trimmer{clock: c, every: every, log: log, recent: make(map[Participant]struct{})}
}

func (t *trimmer) noteWritten(p Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent[p] = struct{}{}
}

// maybeTrim runs a trim pass every `every` commits that touched at least
// one participant with recent writes.
func (t *trimmer) maybeTrim() {
	t.mu.Lock()
	t.counter++
	due := t.counter%t.every == 0
	var participants []Participant
	if due && len(t.recent) > 0 {
		participants = make([]Participant, 0, len(t.recent))
		for p := range t.recent {
			participants = append(participants, p)
		}
	}
	t.mu.Unlock()

	if participants == nil {
		return
	}
	minOpen := t.clock.MinOpen()
	t.log.Debugw("shield: trim pass", "minOpen", minOpen, "participants", len(participants))
	for _, p := range participants {
		p.TrimCopies(minOpen)
	}

	t.mu.Lock()
	for _, p := range participants {
		delete(t.recent, p)
	}
	t.mu.Unlock()
}
