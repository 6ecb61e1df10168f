// Package workflow runs the classify-then-describe flow for one screen.
//
// Every ScreenState mutation happens on the orchestrator's own loop
// goroutine. Classification and lookup run in the background and report back
// as events tagged with the generation (image acquisition) that started
// them; results for any other generation are dropped.
package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/flower-id/internal/classifier"
	"github.com/example/flower-id/internal/gate"
	"github.com/example/flower-id/internal/logging"
	"github.com/example/flower-id/internal/wiki"
)

// ErrClosed is returned by Dispatch once the orchestrator has been closed.
var ErrClosed = errors.New("workflow closed")

// ErrNotImage reports an acquired payload that is empty or not an image.
var ErrNotImage = errors.New("acquired data is not an image")

// Lookuper resolves a species name to an article summary.
type Lookuper interface {
	Lookup(ctx context.Context, title string) (wiki.Outcome, error)
}

// Config bounds the background calls.
type Config struct {
	ClassifyTimeout time.Duration
	LookupTimeout   time.Duration
}

const (
	defaultClassifyTimeout = 15 * time.Second
	defaultLookupTimeout   = 10 * time.Second
	eventBuffer            = 16
	subscriberBuffer       = 8
)

// Orchestrator owns one ScreenState and the state machine driving it.
type Orchestrator struct {
	id         string
	classifier classifier.Client
	lookup     Lookuper
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	// loop-owned
	state          ScreenState
	resumePhase    Phase
	deferred       []Event
	inflightCtx    context.Context
	cancelInflight context.CancelFunc

	mu          sync.RWMutex
	snapshot    ScreenState
	subscribers map[int]chan ScreenState
	nextSub     int

	lastActivity atomic.Int64
	dropped      atomic.Uint64
}

// New starts an orchestrator for session id. A nil classifier means the model
// could not be loaded: the screen starts, and stays, in PhaseFatal.
func New(id string, cls classifier.Client, lookup Lookuper, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = defaultClassifyTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		id:          id,
		classifier:  cls,
		lookup:      lookup,
		cfg:         cfg,
		logger:      logger.Named("workflow").With(zap.String("session_id", id)),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
		subscribers: make(map[int]chan ScreenState),
	}

	o.state = ScreenState{SessionID: id, Phase: PhaseIdle}
	if cls == nil {
		o.state.Phase = PhaseFatal
		o.state.Title = TextUnavailableTitle
		o.state.Description = TextUnavailable
		o.logger.Error("classifier unavailable, session opened in fatal state")
	}
	o.state.UpdatedAt = o.now().UTC()
	o.snapshot = o.state
	o.touch()

	go o.run()
	return o
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// State returns the latest published ScreenState.
func (o *Orchestrator) State() ScreenState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot
}

// LastActivity is the time of the latest Dispatch or state change.
func (o *Orchestrator) LastActivity() time.Time {
	return time.Unix(0, o.lastActivity.Load())
}

// Dropped counts background results discarded because a newer image had
// already been acquired.
func (o *Orchestrator) Dropped() uint64 { return o.dropped.Load() }

// Dispatch enqueues a user event. It does not wait for the event to be handled.
func (o *Orchestrator) Dispatch(ev Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	if o.ctx.Err() != nil {
		return ErrClosed
	}
	o.touch()
	select {
	case o.events <- ev:
		return nil
	case <-o.ctx.Done():
		return ErrClosed
	}
}

// Subscribe returns a channel that first receives the current state and then
// every published change. A slow reader loses intermediate states but always
// gets the latest one. The channel closes when the orchestrator closes.
func (o *Orchestrator) Subscribe() (<-chan ScreenState, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan ScreenState, subscriberBuffer)
	select {
	case <-o.done:
		close(ch)
		return ch, func() {}
	default:
	}

	ch <- o.snapshot
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if sub, ok := o.subscribers[id]; ok {
				delete(o.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close stops the loop, cancels in-flight work and closes subscriber channels.
func (o *Orchestrator) Close() {
	o.cancel()
	<-o.done
}

func (o *Orchestrator) run() {
	defer func() {
		if o.cancelInflight != nil {
			o.cancelInflight()
		}
		o.mu.Lock()
		close(o.done)
		for id, ch := range o.subscribers {
			delete(o.subscribers, id)
			close(ch)
		}
		o.mu.Unlock()
		o.logger.Debug("workflow loop stopped")
	}()

	for {
		var ev Event
		if len(o.deferred) > 0 {
			ev = o.deferred[0]
			o.deferred = o.deferred[1:]
		} else {
			select {
			case ev = <-o.events:
			case <-o.ctx.Done():
				return
			}
		}
		if o.ctx.Err() != nil {
			return
		}
		o.handle(ev)
	}
}

func (o *Orchestrator) handle(ev Event) {
	if o.state.Phase == PhaseFatal {
		o.logger.Warn("event ignored, classifier unavailable", zap.String("event", ev.eventName()))
		return
	}

	switch e := ev.(type) {
	case RequestCapture:
		o.openPicker(SourceCamera)
	case RequestLibraryPick:
		o.openPicker(SourceLibrary)
	case Cancel:
		if o.state.Phase == PhasePicking {
			o.closePicker()
			o.publish()
		}
	case ImageAcquired:
		o.acquire(e.Image)
	case classifyStart:
		o.startClassification(e)
	case classified:
		o.onClassified(e)
	case lookedUp:
		o.onLookedUp(e)
	default:
		o.logger.Warn("unknown event", zap.String("event", ev.eventName()))
	}
}

func (o *Orchestrator) openPicker(source Source) {
	if o.state.Phase != PhasePicking {
		o.resumePhase = o.state.Phase
	}
	o.state.Phase = PhasePicking
	o.state.Picker = source
	o.publish()
}

// closePicker puts the session back in the phase it had before the picker
// opened.
func (o *Orchestrator) closePicker() {
	o.state.Phase = o.resumePhase
	o.state.Picker = ""
	o.resumePhase = ""
}

// advance moves the flow to phase. With the picker open the flow keeps
// running underneath, and the picker closes onto the new phase.
func (o *Orchestrator) advance(phase Phase) {
	if o.state.Phase == PhasePicking {
		o.resumePhase = phase
		return
	}
	o.state.Phase = phase
}

func (o *Orchestrator) acquire(image []byte) {
	source := o.state.Picker

	imageType, err := DetectImage(image)
	if err != nil {
		o.logger.Warn("image acquisition failed", zap.Error(err), zap.Int("image_bytes", len(image)))
		if o.state.Phase == PhasePicking {
			o.closePicker()
			o.publish()
		}
		return
	}
	o.resumePhase = ""

	if o.cancelInflight != nil {
		o.cancelInflight()
	}
	o.inflightCtx, o.cancelInflight = context.WithCancel(o.ctx)

	generation := o.state.Generation + 1
	o.state = ScreenState{
		SessionID:  o.id,
		Generation: generation,
		Phase:      PhaseClassifying,
		Source:     source,
		Title:      TextDetecting,
		ImageType:  imageType,
		ImageBytes: len(image),
	}
	o.publish()

	// Classification starts on the next loop turn, after "Detecting..." is out.
	o.deferred = append(o.deferred, classifyStart{generation: generation, image: image})
}

func (o *Orchestrator) startClassification(e classifyStart) {
	if e.generation != o.state.Generation {
		o.drop(e.eventName(), e.generation)
		return
	}

	ctx, cancel := context.WithTimeout(o.inflightCtx, o.cfg.ClassifyTimeout)
	go func() {
		defer cancel()
		predictions, err := o.classifier.Classify(ctx, e.image)
		o.deliver(classified{generation: e.generation, predictions: predictions, err: err})
	}()
}

func (o *Orchestrator) onClassified(e classified) {
	if e.generation != o.state.Generation {
		o.drop(e.eventName(), e.generation)
		return
	}
	opLogger := logging.WithOperation(o.logger, "workflow.classify", logging.GenerationID(o.id, e.generation))

	if e.err != nil {
		opLogger.Error("classification failed", zap.Error(logging.NewOperationError("workflow.classify", logging.GenerationID(o.id, e.generation), e.err)))
		o.advance(PhaseUnrecognized)
		o.state.showUnrecognized()
		o.publish()
		return
	}

	outcome := gate.Evaluate(e.predictions)
	opLogger.Info("classification evaluated",
		zap.String("verdict", outcome.Verdict.String()),
		zap.String("label", outcome.RawLabel),
		zap.Float32("confidence", outcome.Confidence),
		zap.Int("predictions", len(e.predictions)),
	)

	switch outcome.Verdict {
	case gate.Unrecognized:
		o.advance(PhaseUnrecognized)
		o.state.showUnrecognized()
		o.publish()
	case gate.Rejected:
		o.state.Confidence = outcome.Confidence
		o.advance(PhaseRejected)
		o.state.showUnrecognized()
		o.publish()
	case gate.Accepted:
		o.advance(PhaseLookingUp)
		o.state.Title = outcome.Label
		o.state.Species = outcome.Label
		o.state.Confidence = outcome.Confidence
		o.state.Description = TextObtaining
		o.state.clearReference()
		o.publish()
		o.startLookup(e.generation, outcome.Label)
	}
}

func (o *Orchestrator) startLookup(generation uint64, species string) {
	ctx, cancel := context.WithTimeout(o.inflightCtx, o.cfg.LookupTimeout)
	go func() {
		defer cancel()
		outcome, err := o.lookup.Lookup(ctx, species)
		o.deliver(lookedUp{generation: generation, outcome: outcome, err: err})
	}()
}

func (o *Orchestrator) onLookedUp(e lookedUp) {
	if e.generation != o.state.Generation {
		o.drop(e.eventName(), e.generation)
		return
	}
	requestID := logging.GenerationID(o.id, e.generation)
	opLogger := logging.WithOperation(o.logger, "workflow.lookup", requestID)

	if e.err != nil || !e.outcome.Found {
		if e.err != nil && !errors.Is(e.err, wiki.ErrNoPage) {
			opLogger.Warn("description lookup failed", zap.Error(logging.NewOperationError("workflow.lookup", requestID, e.err)))
		} else {
			opLogger.Info("no description page", zap.String("species", o.state.Species))
		}
		o.advance(PhaseNotFound)
		o.state.Description = TextNoInformation
		o.state.clearReference()
		o.publish()
		return
	}

	reference, err := wiki.ReferenceURL(e.outcome.PageID)
	if err != nil {
		opLogger.Warn("unusable page id", zap.Error(err))
		o.advance(PhaseNotFound)
		o.state.Description = TextNoInformation
		o.state.clearReference()
		o.publish()
		return
	}

	o.advance(PhaseFound)
	o.state.Description = e.outcome.Summary
	o.state.PageID = e.outcome.PageID
	o.state.ReferenceURL = reference
	o.state.ReadMoreVisible = true
	opLogger.Info("description found", zap.String("species", o.state.Species), zap.String("page_id", e.outcome.PageID))
	o.publish()
}

func (o *Orchestrator) deliver(ev Event) {
	select {
	case o.events <- ev:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) drop(event string, generation uint64) {
	o.dropped.Add(1)
	o.logger.Debug("stale result dropped",
		zap.String("event", event),
		zap.Uint64("generation", generation),
		zap.Uint64("current_generation", o.state.Generation),
	)
}

func (o *Orchestrator) publish() {
	o.state.UpdatedAt = o.now().UTC()
	o.touch()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshot = o.state
	for _, ch := range o.subscribers {
		select {
		case ch <- o.state:
		default:
			// Full: drop the oldest queued state so the newest always lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- o.state:
			default:
			}
		}
	}
}

func (o *Orchestrator) touch() {
	o.lastActivity.Store(o.now().UnixNano())
}

// DetectImage sniffs data and returns its MIME type when it is an image.
func DetectImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrNotImage
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", ErrNotImage
	}
	return mt.String(), nil
}
