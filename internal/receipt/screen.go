package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrBusy is returned when an action conflicts with one already running
var ErrBusy = errors.New("another action is in progress")

// State is the position of a Screen in the extract/review/save cycle
type State int

const (
	StateIdle State = iota
	StatePrepared
	StateExtracting
	StateReviewing
	StateSaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateExtracting:
		return "extracting"
	case StateReviewing:
		return "reviewing"
	case StateSaving:
		return "saving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a read-only copy of what the screen currently shows
type Snapshot struct {
	State          State
	Receipt        *Receipt
	Reconciliation *Reconciliation
	Payer          string
	Err            error
}

// Screen holds the state of one visit: the selected image, the current
// Receipt and the last visible error.
//
// At most one extraction is in flight. Submitting while one is running
// cancels it and replaces it; the superseded call returns ErrCanceled and
// never touches state. A failed extraction keeps the previous Receipt.
type Screen struct {
	extractor Extractor
	persister Persister
	profile   Profile

	mu      sync.Mutex
	state   State
	image   *Image
	receipt *Receipt
	payer   string
	err     error
	cancel  context.CancelFunc
	// gen identifies the current extraction; bumped on submit and cancel
	gen uint64
}

// NewScreen creates an idle Screen
func NewScreen(extractor Extractor, persister Persister, profile Profile) *Screen {
	return &Screen{
		extractor: extractor,
		persister: persister,
		profile:   profile,
	}
}

// resting is where the screen settles after extraction ends without a new result
func (s *Screen) resting() State {
	if s.receipt != nil {
		return StateReviewing
	}
	return StateIdle
}

// Select attaches a prepared image
func (s *Screen) Select(img Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = &img
	if s.state == StateIdle {
		s.state = StatePrepared
	}
}

// Submit extracts the selected image with model
func (s *Screen) Submit(ctx context.Context, model string) (*Receipt, error) {
	s.mu.Lock()
	if s.image == nil || s.image.Data == "" {
		s.err = ErrNoImage
		s.mu.Unlock()
		return nil, ErrNoImage
	}
	if !s.profile.Enabled(model) {
		err := fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
		s.err = err
		s.mu.Unlock()
		return nil, err
	}
	if s.state == StateSaving {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	prompt, err := s.profile.Prompt()
	if err != nil {
		s.err = err
		s.mu.Unlock()
		return nil, err
	}

	if s.cancel != nil {
		slog.Debug("Replacing in-flight extraction")
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.state = StateExtracting
	s.err = nil
	req := ExtractRequest{Prompt: prompt, Model: model, Image: *s.image}
	s.mu.Unlock()

	rec, err := Extract(ctx, s.extractor, req, s.profile.Currency)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil, ErrCanceled
	}
	s.cancel = nil

	if errors.Is(err, ErrCanceled) {
		s.state = s.resting()
		return nil, ErrCanceled
	}
	if err != nil {
		s.err = err
		s.state = s.resting()
		return nil, err
	}

	s.receipt = rec
	s.state = StateReviewing
	s.err = nil
	return rec.Clone(), nil
}

// Cancel aborts the in-flight extraction, if any. The aborted call reports
// no error and prior state stays as it was. Calling it again is a no-op.
func (s *Screen) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.gen++
	s.state = s.resting()
}

// UpdateItem replaces the item at index i
func (s *Screen) UpdateItem(i int, item LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReviewing {
		return fmt.Errorf("%w: cannot edit while %s", ErrBusy, s.state)
	}
	if i < 0 || i >= len(s.receipt.Items) {
		return fmt.Errorf("item index %d out of range", i)
	}
	if err := item.Validate(); err != nil {
		return err
	}
	s.receipt.Items[i] = item
	return nil
}

// SetStore edits the store name
func (s *Screen) SetStore(store string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReviewing {
		return fmt.Errorf("%w: cannot edit while %s", ErrBusy, s.state)
	}
	s.receipt.StoreName = store
	return nil
}

// SetDate edits the receipt date
func (s *Screen) SetDate(date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReviewing {
		return fmt.Errorf("%w: cannot edit while %s", ErrBusy, s.state)
	}
	s.receipt.Date = date
	return nil
}

// SetPayer selects who paid
func (s *Screen) SetPayer(payer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payer = payer
}

// Save forwards the current items as rows. It may be repeated; every
// successful call appends another copy.
func (s *Screen) Save(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateExtracting || s.state == StateSaving {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.receipt == nil {
		s.mu.Unlock()
		return errors.New("nothing to save")
	}
	rows := Rows(s.receipt.Items, Metadata{
		Store: s.receipt.StoreName,
		Date:  s.receipt.Date,
		Payer: s.payer,
	})
	s.state = StateSaving
	s.err = nil
	s.mu.Unlock()

	err := s.persister.SaveRows(ctx, rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateReviewing
	if err != nil {
		slog.Error("Failed to save receipt", "rows", len(rows), "error", err)
		s.err = ErrSaveFailed
		return ErrSaveFailed
	}
	return nil
}

// Snapshot returns a copy of the visible state
func (s *Screen) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:   s.state,
		Receipt: s.receipt.Clone(),
		Payer:   s.payer,
		Err:     s.err,
	}
	if s.receipt != nil {
		rec := s.receipt.Reconcile()
		snap.Reconciliation = &rec
	}
	return snap
}
