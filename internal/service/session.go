package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lotscan/internal/logger"
	"lotscan/internal/model"
	"lotscan/pkg/apierror"
)

// ProductResolver resolves a lot to the product owning it.
type ProductResolver interface {
	FindProduct(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error)
}

// SessionAuth supplies the signed-in operator's AuthRecord.
type SessionAuth interface {
	Current(ctx context.Context) (*model.AuthRecord, error)
}

// Submitter hands a finished tally over for delivery.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error)
}

// SessionConfig holds ScanSession settings.
type SessionConfig struct {
	LotPattern   *regexp.Regexp
	DedupeWindow time.Duration
}

// DefaultLotPattern matches the seven digit lot labels.
var DefaultLotPattern = regexp.MustCompile(`^[0-9]{7}$`)

// ScanResult describes the effect of one scan.
type ScanResult struct {
	LotName string `json:"lot_name"`
	// ProductLoaded is set when the scan selected the product instead of counting.
	ProductLoaded bool `json:"product_loaded"`
	// RecentlyScanned is set when the same lot was scanned within the dedupe window.
	RecentlyScanned bool                `json:"recently_scanned"`
	Count           int64               `json:"count"`
	Snapshot        model.TallySnapshot `json:"snapshot"`
}

// SubmitOptions are the caller's choices for a submit.
type SubmitOptions struct {
	RackID        *int64               `json:"rack_id,omitempty" validate:"omitempty,gt=0"`
	Notes         string               `json:"notes,omitempty"`
	Defer         bool                 `json:"defer,omitempty"`
	Amends        *model.SubmissionRef `json:"amends,omitempty"`
	ReinventoryOf *int64               `json:"reinventory_of,omitempty" validate:"omitempty,gt=0"`
}

// ScanSession holds the in-memory tally for the product being counted.
// Scans are serialised; a product change while a lookup is in flight makes
// that lookup stale and it is discarded.
type ScanSession struct {
	resolver  ProductResolver
	auth      SessionAuth
	submitter Submitter
	bus       *EventBus
	cfg       SessionConfig
	log       *zap.Logger
	now       func() time.Time

	// scanMu orders scans and submits; mu guards the state below.
	scanMu sync.Mutex
	mu     sync.Mutex

	state      model.SessionState
	product    *model.ProductInfo
	counts     map[string]int64
	notes      map[string]string
	lastSeen   map[string]time.Time
	lastScan   *model.LastScan
	generation uint64
}

// NewScanSession creates a session in the NoProduct state.
func NewScanSession(resolver ProductResolver, auth SessionAuth, submitter Submitter, bus *EventBus, cfg SessionConfig, log *zap.Logger) *ScanSession {
	if cfg.LotPattern == nil {
		cfg.LotPattern = DefaultLotPattern
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 3 * time.Second
	}
	s := &ScanSession{
		resolver:  resolver,
		auth:      auth,
		submitter: submitter,
		bus:       bus,
		cfg:       cfg,
		log:       logger.OrNop(log).Named("session"),
		now:       time.Now,
	}
	s.reset()
	return s
}

// reset returns to NoProduct. Callers hold mu.
func (s *ScanSession) reset() {
	s.state = model.StateNoProduct
	s.product = nil
	s.counts = make(map[string]int64)
	s.notes = make(map[string]string)
	s.lastSeen = make(map[string]time.Time)
	s.lastScan = nil
	s.generation++
}

// load makes p the current product with an empty tally. Callers hold mu.
func (s *ScanSession) load(p *model.ProductInfo) {
	s.reset()
	cp := *p
	cp.Lots = append([]model.ProductLot(nil), p.Lots...)
	s.product = &cp
	s.state = model.StateProductLoaded
}

// Scan processes one scanned lot label.
func (s *ScanSession) Scan(ctx context.Context, input string) (*ScanResult, error) {
	lot := strings.TrimSpace(input)
	if lot == "" {
		return nil, apierror.ValidationError("Lot number is required")
	}

	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	s.mu.Lock()
	state, gen := s.state, s.generation
	var product *model.ProductInfo
	if s.product != nil {
		cp := *s.product
		product = &cp
	}
	s.mu.Unlock()

	if state == model.StateSubmitting {
		return nil, apierror.Conflict("Submission in progress")
	}
	if !s.cfg.LotPattern.MatchString(lot) {
		return nil, apierror.ValidationError(fmt.Sprintf("Invalid lot number %q", lot),
			apierror.FieldError{Field: "lot", Message: "does not match the lot format"})
	}

	if state == model.StateNoProduct {
		return s.loadByLot(ctx, lot, gen)
	}

	if _, ok := product.Lot(lot); !ok {
		if err := s.admitLot(ctx, lot, product, gen); err != nil {
			return nil, err
		}
	}
	return s.increment(lot, gen)
}

// loadByLot resolves the product of lot and loads it without counting.
func (s *ScanSession) loadByLot(ctx context.Context, lot string, gen uint64) (*ScanResult, error) {
	p, err := s.resolve(ctx, lot)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil, apierror.Conflict("Stale lookup discarded")
	}
	s.load(p)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("product loaded", zap.String("lot", lot), zap.Int64("product_id", p.ProductID))
	s.publish(snap)
	return &ScanResult{LotName: lot, ProductLoaded: true, Snapshot: snap}, nil
}

// admitLot resolves a lot missing from the loaded lot list. A lot of the
// same product is merged in; a lot of another product is rejected.
func (s *ScanSession) admitLot(ctx context.Context, lot string, product *model.ProductInfo, gen uint64) error {
	p, err := s.resolve(ctx, lot)
	if err != nil {
		if apierror.Is(err, apierror.CodeNotFound) {
			return apierror.NotFound(fmt.Sprintf("Lot %s not found", lot))
		}
		return err
	}
	if p.ProductID != product.ProductID {
		return apierror.ValidationError(
			fmt.Sprintf("Lot %s belongs to %s", lot, p.ProductName),
			apierror.FieldError{Field: lot, Message: p.ProductName})
	}
	resolved, ok := p.Lot(lot)
	if !ok {
		return apierror.NotFound(fmt.Sprintf("Lot %s not found", lot))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return apierror.Conflict("Stale lookup discarded")
	}
	if i, ok := s.product.LotIndexByID(resolved.LotID); ok {
		s.product.Lots[i].LotName = lot
	} else {
		s.product.Lots = append(s.product.Lots, resolved)
	}
	return nil
}

func (s *ScanSession) increment(lot string, gen uint64) (*ScanResult, error) {
	now := s.now()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil, apierror.Conflict("Stale lookup discarded")
	}
	s.counts[lot]++
	prev, seen := s.lastSeen[lot]
	recent := seen && now.Sub(prev) < s.cfg.DedupeWindow
	s.lastSeen[lot] = now
	s.lastScan = &model.LastScan{LotName: lot, At: now}
	s.state = model.StateScanning
	count := s.counts[lot]
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return &ScanResult{LotName: lot, RecentlyScanned: recent, Count: count, Snapshot: snap}, nil
}

func (s *ScanSession) resolve(ctx context.Context, lot string) (*model.ProductInfo, error) {
	rec, err := s.auth.Current(ctx)
	if err != nil {
		return nil, err
	}
	return s.resolver.FindProduct(ctx, lot, rec.LocationID())
}

// SelectProduct loads p directly, discarding any tally.
func (s *ScanSession) SelectProduct(p model.ProductInfo) error {
	if p.ProductID == 0 {
		return apierror.ValidationError("Product ID is required")
	}

	s.mu.Lock()
	if s.state == model.StateSubmitting {
		s.mu.Unlock()
		return apierror.Conflict("Submission in progress")
	}
	s.load(&p)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// SelectProductByLot loads the product owning lot, discarding any tally.
func (s *ScanSession) SelectProductByLot(ctx context.Context, lot string) (*model.TallySnapshot, error) {
	lot = strings.TrimSpace(lot)
	if !s.cfg.LotPattern.MatchString(lot) {
		return nil, apierror.ValidationError(fmt.Sprintf("Invalid lot number %q", lot))
	}

	s.mu.Lock()
	if s.state == model.StateSubmitting {
		s.mu.Unlock()
		return nil, apierror.Conflict("Submission in progress")
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	res, err := s.loadByLot(ctx, lot, gen)
	if err != nil {
		return nil, err
	}
	return &res.Snapshot, nil
}

// ChangeProduct discards the tally and returns to NoProduct.
func (s *ScanSession) ChangeProduct() error {
	s.mu.Lock()
	if s.state == model.StateSubmitting {
		s.mu.Unlock()
		return apierror.Conflict("Submission in progress")
	}
	s.reset()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// SetNote annotates the line of lot. An empty note removes it.
func (s *ScanSession) SetNote(lot, note string) error {
	s.mu.Lock()
	if s.product == nil {
		s.mu.Unlock()
		return apierror.Conflict("No product loaded")
	}
	if _, ok := s.product.Lot(lot); !ok {
		s.mu.Unlock()
		return apierror.NotFound(fmt.Sprintf("Lot %s is not part of %s", lot, s.product.ProductName))
	}
	if note = strings.TrimSpace(note); note == "" {
		delete(s.notes, lot)
	} else {
		s.notes[lot] = note
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// Submit hands the tally to the Submitter. On success the session returns
// to NoProduct; on failure the tally is kept and the previous state restored.
// When the backend refused only some lines, just those stay in the tally.
func (s *ScanSession) Submit(ctx context.Context, opts SubmitOptions) (*SubmitOutcome, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case model.StateNoProduct:
		s.mu.Unlock()
		return nil, apierror.ValidationError("No product loaded")
	case model.StateSubmitting:
		s.mu.Unlock()
		return nil, apierror.Conflict("Submission in progress")
	}
	lines := s.linesLocked()
	if len(lines) == 0 {
		s.mu.Unlock()
		return nil, apierror.ValidationError("Nothing scanned")
	}
	prev := s.state
	productID := s.product.ProductID
	s.state = model.StateSubmitting
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	outcome, err := s.submit(ctx, opts, lines)

	s.mu.Lock()
	switch {
	case err != nil:
		s.state = prev
	case len(outcome.Rejected) > 0:
		s.retainLocked(outcome.Rejected)
	default:
		s.reset()
	}
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if err != nil {
		s.log.Info("submit failed, tally kept", zap.Int64("product_id", productID), zap.Error(err))
		return nil, err
	}
	return outcome, nil
}

func (s *ScanSession) submit(ctx context.Context, opts SubmitOptions, lines []model.ScanLine) (*SubmitOutcome, error) {
	rec, err := s.auth.Current(ctx)
	if err != nil {
		return nil, err
	}

	var projectID int64
	if rec.Project != nil {
		projectID = rec.Project.ID
	}
	if projectID == 0 && opts.Amends == nil {
		return nil, apierror.ValidationError("No running inventory project")
	}
	if opts.RackID != nil && !rec.HasRack(*opts.RackID) {
		return nil, apierror.ValidationError(fmt.Sprintf("Rack %d is not available", *opts.RackID))
	}

	return s.submitter.Submit(ctx, SubmitRequest{
		ProjectID:     projectID,
		RackID:        opts.RackID,
		Lines:         lines,
		Notes:         opts.Notes,
		Defer:         opts.Defer,
		Amends:        opts.Amends,
		ReinventoryOf: opts.ReinventoryOf,
	})
}

// retainLocked keeps the counts of the rejected lots only. Callers hold mu.
func (s *ScanSession) retainLocked(rejected []model.LineResult) {
	keep := make(map[string]bool, len(rejected))
	for _, r := range rejected {
		keep[r.LotName] = true
	}
	for lot := range s.counts {
		if !keep[lot] {
			delete(s.counts, lot)
			delete(s.lastSeen, lot)
		}
	}
	for lot := range s.notes {
		if !keep[lot] {
			delete(s.notes, lot)
		}
	}
	if len(s.counts) == 0 {
		s.reset()
		return
	}
	s.state = model.StateScanning
}

// linesLocked builds the scan lines in product lot order. Callers hold mu.
func (s *ScanSession) linesLocked() []model.ScanLine {
	var lines []model.ScanLine
	for _, l := range s.product.Lots {
		n := s.counts[l.LotName]
		if l.LotName == "" || n <= 0 {
			continue
		}
		lines = append(lines, model.ScanLine{
			LotName:    l.LotName,
			ScannedQty: n,
			ScannedAt:  s.lastSeen[l.LotName],
			Notes:      s.notes[l.LotName],
		})
	}
	return lines
}

// Snapshot returns a copy of the tally.
func (s *ScanSession) Snapshot() model.TallySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current state.
func (s *ScanSession) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ScanSession) snapshotLocked() model.TallySnapshot {
	snap := model.TallySnapshot{
		State: s.state,
		Lines: []model.TallyLine{},
	}
	if s.lastScan != nil {
		ls := *s.lastScan
		snap.LastScan = &ls
	}
	if s.product == nil {
		snap.VarianceCategory = model.CategoryOf(0)
		return snap
	}

	p := *s.product
	p.Lots = append([]model.ProductLot(nil), s.product.Lots...)
	snap.Product = &p

	for _, l := range p.Lots {
		if l.LotName == "" {
			continue
		}
		n := s.counts[l.LotName]
		snap.Lines = append(snap.Lines, model.TallyLine{
			LotName:     l.LotName,
			Scanned:     n,
			Theoretical: l.TheoreticalQty,
			Variance:    n - l.TheoreticalQty,
			Notes:       s.notes[l.LotName],
		})
		snap.TotalScanned += n
	}
	snap.TotalTheoretical = p.TheoreticalTotal()
	snap.Variance = snap.TotalScanned - snap.TotalTheoretical
	snap.VarianceCategory = model.CategoryOf(snap.Variance)
	return snap
}

func (s *ScanSession) publish(snap model.TallySnapshot) {
	s.bus.Publish(Event{Type: EventTallyChanged, Data: snap})
}
