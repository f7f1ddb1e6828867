// Package script manages the robot's script: local edits with debounced
// persistence, and remote run/stop with polled run status.
package script

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"github.com/thebranchdriftcatalyst/robot-console/internal/reconcile"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"k8s.io/utils/clock"
)

// Placeholder is the document text until a load or an edit replaces it
const Placeholder = "// Write JS for Rhino here\n"

// DefaultDebounce is the quiet period before an edit is saved
const DefaultDebounce = 800 * time.Millisecond

// Document is the local copy of the script
type Document struct {
	Text      string `json:"text"`
	Revision  uint64 `json:"revision"`
	Dirty     bool   `json:"dirty"`
	SaveError string `json:"saveError,omitempty"`
}

// SaveState describes where the document stands relative to the robot
type SaveState string

const (
	Clean        SaveState = "clean"
	DirtyPending SaveState = "dirty_pending"
	// Diverged means the last save failed and nothing is scheduled; the next
	// edit or explicit save tries again.
	Diverged SaveState = "diverged"
)

// Editor buffers edits and persists them to the robot. At most one save
// timer is armed at a time and saves never overlap.
type Editor struct {
	client    *robotapi.Client
	cell      *reconcile.Cell[Document]
	debouncer *reconcile.Debouncer
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	saveMu sync.Mutex
	saving atomic.Bool
}

// NewEditor creates an editor holding the placeholder text
func NewEditor(client *robotapi.Client, clk clock.WithDelayedExecution, debounce time.Duration, logger zerolog.Logger) *Editor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Editor{
		client: client,
		cell:   reconcile.NewCell(Document{Text: Placeholder}),
		logger: logger.With().Str("component", "script-editor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	e.debouncer = reconcile.NewDebouncer(clk, debounce, e.autosave)
	return e
}

// Cell exposes the document state for observers
func (e *Editor) Cell() *reconcile.Cell[Document] {
	return e.cell
}

// Document returns the current document
func (e *Editor) Document() Document {
	return e.cell.Get()
}

// Text returns the current local text
func (e *Editor) Text() string {
	return e.cell.Get().Text
}

// State reports the save state
func (e *Editor) State() SaveState {
	doc := e.cell.Get()
	switch {
	case e.debouncer.Pending(), e.saving.Load():
		return DirtyPending
	case doc.Dirty:
		return Diverged
	default:
		return Clean
	}
}

// Load fetches the stored script once. The remote copy replaces the local
// text only if it is well-formed and no edit happened while loading.
func (e *Editor) Load(ctx context.Context) bool {
	epoch := e.cell.Epoch()

	resp, err := e.client.Script(ctx)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Script load failed, keeping local text")
		return false
	}
	if !resp.Success {
		e.logger.Debug().Msg("Script load not successful, keeping local text")
		return false
	}

	if !e.cell.Reconcile(epoch, Document{Text: resp.Script}) {
		e.logger.Debug().Msg("Discarded loaded script, local edits win")
		return false
	}
	e.logger.Info().Int("length", len(resp.Script)).Msg("Script loaded from robot")
	return true
}

// Edit replaces the local text and (re)arms the autosave timer
func (e *Editor) Edit(text string) {
	e.cell.Intent(func(d *Document) {
		d.Text = text
		d.Revision++
		d.Dirty = true
	})
	if e.debouncer.Arm() {
		metrics.DebounceCoalescedTotal.Inc()
	}
}

// Save cancels any pending autosave and saves the current text now
func (e *Editor) Save(ctx context.Context) error {
	e.debouncer.Cancel()
	return e.save(ctx, "explicit", false)
}

// Flush cancels any pending autosave, waits for a save in flight and then
// saves if the document is still dirty.
func (e *Editor) Flush(ctx context.Context) error {
	e.debouncer.Cancel()
	return e.save(ctx, "flush", true)
}

// Close cancels the pending autosave and lets a save in flight finish.
// Unsaved edits are dropped; call Flush first to keep them.
func (e *Editor) Close() {
	e.debouncer.Close()
	e.cancel()
}

func (e *Editor) autosave() {
	if err := e.save(e.ctx, "debounce", true); err != nil {
		e.logger.Debug().Err(err).Msg("Autosave failed")
	}
}

// save sends the text current at send time. A document edited while the
// request was in flight stays dirty. With onlyDirty a clean document is left
// alone, which drops an autosave that a flush already covered.
func (e *Editor) save(ctx context.Context, trigger string, onlyDirty bool) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	doc := e.cell.Get()
	if onlyDirty && !doc.Dirty {
		return nil
	}
	e.saving.Store(true)
	defer e.saving.Store(false)
	err := e.client.SaveScript(ctx, doc.Text)
	if err != nil {
		metrics.ScriptSavesTotal.WithLabelValues(trigger, "failure").Inc()
		e.cell.Update(func(d *Document) {
			d.Dirty = true
			d.SaveError = err.Error()
		})
		return err
	}

	metrics.ScriptSavesTotal.WithLabelValues(trigger, "success").Inc()
	e.cell.Update(func(d *Document) {
		if d.Revision == doc.Revision {
			d.Dirty = false
		}
		d.SaveError = ""
	})
	e.logger.Debug().
		Str("trigger", trigger).
		Int("length", len(doc.Text)).
		Msg("Script saved")
	return nil
}
