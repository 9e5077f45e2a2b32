package draft

import (
	"context"
	"time"

	"pkt.systems/pslog"
)

// CaptureFunc produces the document to persist.
type CaptureFunc func() (*Document, error)

// Autosaver saves drafts in the background. Bursts of Trigger calls within
// the delay are coalesced into one save.
type Autosaver struct {
	backend Backend
	capture CaptureFunc
	delay   time.Duration
	log     pslog.Logger
	pending chan struct{}
}

func NewAutosaver(backend Backend, capture CaptureFunc, delay time.Duration, logger pslog.Logger) *Autosaver {
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	return &Autosaver{
		backend: backend,
		capture: capture,
		delay:   delay,
		log:     logger,
		pending: make(chan struct{}, 1),
	}
}

// Trigger schedules a save. It never blocks.
func (a *Autosaver) Trigger() {
	select {
	case a.pending <- struct{}{}:
	default:
	}
}

// Flush saves immediately.
func (a *Autosaver) Flush() error {
	doc, err := a.capture()
	if err != nil {
		return err
	}
	return a.backend.Save(doc)
}

// Run processes triggers until ctx is done, then saves once more if a save
// was still pending.
func (a *Autosaver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-a.pending:
				a.save()
			default:
			}
			return
		case <-a.pending:
		}

		timer := time.NewTimer(a.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.save()
			return
		case <-timer.C:
		}
		// Triggers that arrived while waiting are covered by this save.
		select {
		case <-a.pending:
		default:
		}
		a.save()
	}
}

func (a *Autosaver) save() {
	if err := a.Flush(); err != nil {
		if a.log != nil {
			a.log.Warn("draft save failed", "err", err)
		}
		return
	}
	if a.log != nil {
		a.log.Debug("draft saved")
	}
}
