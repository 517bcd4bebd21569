// Package notify runs the background tick loop that turns detected file
// appends into published events.
//
// One goroutine owns the loop. Stopping cancels only the idle wait between
// ticks; a tick already in progress always finishes, so no event is ever
// half-published.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/phenolab/streamnotify/internal/domain"
	"github.com/phenolab/streamnotify/internal/metrics"
	"github.com/phenolab/streamnotify/internal/platform/correlation"
)

// State is the service lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultStopTimeout      = 10 * time.Second
)

// Options tune a Service beyond the poll interval.
type Options struct {
	// HeartbeatInterval is the maximum quiet period before a heartbeat
	// event is emitted. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	// FailureThreshold is the consecutive check failure count that
	// escalates to a warning log. Defaults to 5.
	FailureThreshold int
	// StopTimeout bounds how long Stop waits for an in-flight tick.
	// Defaults to 10s.
	StopTimeout time.Duration
	Clock       clockwork.Clock
}

// Service polls the detector at a fixed interval and publishes one
// row_added event per appended row, in file order. Check failures are
// absorbed: they produce an error event and a log entry, never a crash of
// the loop.
type Service struct {
	detector domain.ChangeDetector
	sink     domain.Sink
	clock    clockwork.Clock

	interval         time.Duration
	heartbeat        time.Duration
	failureThreshold int
	stopTimeout      time.Duration

	state atomic.Int32
	seq   atomic.Uint64

	stopCh chan struct{}
	done   chan struct{}

	// Loop-local bookkeeping, touched only by the run goroutine.
	total         int
	failureStreak int
	lastPublished time.Time
}

// NewService wires a detector to a sink. Call Start to begin ticking.
func NewService(detector domain.ChangeDetector, sink domain.Sink, interval time.Duration, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Service{
		detector:         detector,
		sink:             sink,
		clock:            clock,
		interval:         interval,
		heartbeat:        opts.HeartbeatInterval,
		failureThreshold: threshold,
		stopTimeout:      stopTimeout,
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Seq returns the last issued sequence number.
func (s *Service) Seq() uint64 {
	return s.seq.Load()
}

// Start launches the tick loop. Calling Start while the service is already
// running is a no-op.
func (s *Service) Start() {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		slog.Debug("Notifier start ignored", "state", s.State().String())
		return
	}

	s.stopCh = stopCh
	s.done = done
	s.lastPublished = s.clock.Now()

	go s.run()

	s.state.Store(int32(StateRunning))
	slog.Info("Notifier started", "interval", s.interval)
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
// Calling Stop on a stopped service is a no-op.
func (s *Service) Stop() {
	for {
		current := s.State()
		if current == StateStopped || current == StateStopping {
			return
		}
		if s.state.CompareAndSwap(int32(current), int32(StateStopping)) {
			break
		}
	}

	close(s.stopCh)

	timeout := s.clock.NewTimer(s.stopTimeout)
	defer timeout.Stop()

	select {
	case <-s.done:
		slog.Info("Notifier stopped")
	case <-timeout.Chan():
		slog.Warn("Notifier stop timeout exceeded", "timeout", s.stopTimeout)
	}

	s.state.Store(int32(StateStopped))
}

func (s *Service) run() {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.tick()
		}
	}
}

func (s *Service) tick() {
	ctx := correlation.WithID(context.Background(), correlation.NewID())

	start := s.clock.Now()
	defer func() {
		metrics.NotifierTickDuration.Observe(s.clock.Since(start).Seconds())
	}()

	rows, err := s.detector.Check(ctx)
	if err != nil {
		s.handleCheckFailure(ctx, err)
		return
	}

	if s.failureStreak > 0 {
		slog.InfoContext(ctx, "File check recovered", "failed_checks", s.failureStreak)
		s.failureStreak = 0
		metrics.NotifierConsecutiveFailures.Set(0)
	}

	if len(rows) > 0 {
		s.publishRows(ctx, rows)
		return
	}

	if s.heartbeat > 0 && s.clock.Since(s.lastPublished) >= s.heartbeat {
		s.publish(ctx, domain.EventHeartbeat, domain.HeartbeatPayload{
			Timestamp: s.clock.Now().UTC(),
		})
	}
}

func (s *Service) publishRows(ctx context.Context, rows []domain.Row) {
	batch := len(rows)
	s.total += batch

	for _, row := range rows {
		s.publish(ctx, domain.EventRowAdded, rowPayload(row, batch, s.total, s.clock.Now().UTC()))
	}

	slog.InfoContext(ctx, "Published appended rows", "rows", batch, "total", s.total)
}

// handleCheckFailure absorbs a detector error. The first failure of a
// streak produces one error event; repeats only log, so a persistently
// broken file does not flood connected clients. Crossing the threshold
// escalates to a single warning.
func (s *Service) handleCheckFailure(ctx context.Context, err error) {
	s.failureStreak++
	metrics.NotifierConsecutiveFailures.Set(float64(s.failureStreak))

	var integrityErr *domain.FileIntegrityError
	isIntegrity := errors.As(err, &integrityErr)

	if s.failureStreak == 1 {
		s.publish(ctx, domain.EventError, domain.ErrorPayload{Message: err.Error()})
	}

	switch {
	case s.failureStreak == s.failureThreshold:
		slog.WarnContext(ctx, "File checks failing repeatedly",
			"consecutive_failures", s.failureStreak,
			"integrity", isIntegrity,
			"error", err,
		)
	case isIntegrity:
		slog.ErrorContext(ctx, "Watched file integrity violation", "error", err)
	default:
		slog.DebugContext(ctx, "Transient file check failure", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, kind domain.EventKind, payload any) {
	event := domain.Event{
		Kind:    kind,
		Seq:     s.seq.Add(1),
		Payload: payload,
	}
	s.sink.Publish(ctx, event)
	s.lastPublished = s.clock.Now()
	metrics.EventsPublishedTotal.WithLabelValues(string(kind)).Inc()
}

// rowPayload surfaces the columns the dashboard renders directly, alongside
// the full record.
func rowPayload(row domain.Row, batch, total int, ts time.Time) domain.RowPayload {
	pos := -1
	if v, err := strconv.Atoi(row["pos"]); err == nil {
		pos = v
	}
	filename := row["czi_filename"]
	if filename == "" {
		filename = "unknown"
	}
	return domain.RowPayload{
		Filename:  filename,
		Pos:       pos,
		PatchPath: row["patches_2d_ch0_tl_exp_path"],
		Count:     batch,
		Total:     total,
		Columns:   row,
		Timestamp: ts,
	}
}
