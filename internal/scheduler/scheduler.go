package scheduler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/neochupacabras/telegram-payment-bot/internal/async"
	"github.com/neochupacabras/telegram-payment-bot/internal/payments"
)

type PaymentProcessor interface {
	Process(ctx context.Context, paymentID string) (payments.Outcome, error)
}

// Scheduler runs payment processing off the webhook request path on a
// bounded pool of workers. A payment id already queued or running is not
// queued twice: a notification arriving meanwhile marks it for one more run
// once the current one ends without settling the payment.
type Scheduler struct {
	processor      PaymentProcessor
	workers        int
	jobTimeout     time.Duration
	busyRetryDelay time.Duration
	busyRetries    int
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.Mutex
	running        bool
	queue          chan string
	inFlight       map[string]*inFlightEntry
	inFlightMu     sync.RWMutex
}

type inFlightEntry struct {
	enqueuedAt  time.Time
	position    int
	rerun       bool
	busyRetries int
}

type Config struct {
	Workers    int
	JobTimeout time.Duration
	// BusyRetryDelay is how long to wait before retrying a payment whose
	// claim is held by another instance.
	BusyRetryDelay time.Duration
	BusyRetries    int
}

func NewScheduler(processor PaymentProcessor, config Config) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = 3
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 3 * time.Minute
	}
	if config.BusyRetryDelay <= 0 {
		config.BusyRetryDelay = 30 * time.Second
	}
	if config.BusyRetries <= 0 {
		config.BusyRetries = 3
	}

	ctx, cancel := context.WithCancel(context.Background())

	queueSize := config.Workers * 2
	if queueSize < 10 {
		queueSize = 10
	}

	return &Scheduler{
		processor:      processor,
		workers:        config.Workers,
		jobTimeout:     config.JobTimeout,
		busyRetryDelay: config.BusyRetryDelay,
		busyRetries:    config.BusyRetries,
		ctx:            ctx,
		cancel:         cancel,
		queue:          make(chan string, queueSize),
		inFlight:       make(map[string]*inFlightEntry),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Printf("Scheduler started with %d workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Println("Stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// Enqueue schedules paymentID and returns its queue position, 0 meaning a
// worker is free for it. An id already in flight is flagged for a rerun and
// keeps its position. It returns -1 for an empty id.
func (s *Scheduler) Enqueue(paymentID string) int {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return -1
	}

	s.inFlightMu.Lock()
	if e, exists := s.inFlight[paymentID]; exists {
		e.rerun = true
		s.inFlightMu.Unlock()
		return e.position
	}

	running := 0
	maxPos := 0
	for _, e := range s.inFlight {
		if e.position == 0 {
			running++
			continue
		}
		if e.position > maxPos {
			maxPos = e.position
		}
	}

	position := 0
	if running >= s.workers {
		position = maxPos + 1
	}

	s.inFlight[paymentID] = &inFlightEntry{enqueuedAt: time.Now(), position: position}
	s.inFlightMu.Unlock()

	go s.push(paymentID)

	return position
}

func (s *Scheduler) push(paymentID string) {
	select {
	case s.queue <- paymentID:
	case <-s.ctx.Done():
		s.inFlightMu.Lock()
		s.removeLocked(paymentID)
		s.inFlightMu.Unlock()
	}
}

// InFlight reports how many payment ids are queued or running.
func (s *Scheduler) InFlight() int {
	s.inFlightMu.RLock()
	defer s.inFlightMu.RUnlock()
	return len(s.inFlight)
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	log.Printf("Worker %d started", id)

	for {
		select {
		case <-s.ctx.Done():
			log.Printf("Worker %d stopped", id)
			return
		case paymentID := <-s.queue:
			s.finish(paymentID, s.run(id, paymentID))
		}
	}
}

func (s *Scheduler) run(worker int, paymentID string) (outcome payments.Outcome) {
	outcome = payments.OutcomeError
	defer async.Recover("payment " + paymentID)

	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	started := time.Now()
	outcome, err := s.processor.Process(ctx, paymentID)
	if err != nil {
		log.Printf("Worker %d: payment %s failed: %v", worker, paymentID, err)
		return payments.OutcomeError
	}
	log.Printf("Worker %d: payment %s %s in %s", worker, paymentID, outcome, time.Since(started).Round(time.Millisecond))
	return outcome
}

// settled reports whether outcome leaves nothing for a later run to do.
func settled(outcome payments.Outcome) bool {
	switch outcome {
	case payments.OutcomeActivated, payments.OutcomeAlreadyActive, payments.OutcomeDuplicate,
		payments.OutcomeClosed, payments.OutcomeConflict:
		return true
	}
	return false
}

func (s *Scheduler) finish(paymentID string, outcome payments.Outcome) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()

	e, ok := s.inFlight[paymentID]
	if !ok {
		return
	}
	switch {
	case s.ctx.Err() != nil || settled(outcome):
	case outcome == payments.OutcomeInProgress && e.busyRetries < s.busyRetries:
		e.busyRetries++
		e.rerun = false
		log.Printf("Payment %s claimed elsewhere, retrying in %s (%d/%d)", paymentID, s.busyRetryDelay, e.busyRetries, s.busyRetries)
		time.AfterFunc(s.busyRetryDelay, func() { s.push(paymentID) })
		return
	case e.rerun:
		e.rerun = false
		go s.push(paymentID)
		return
	}
	s.removeLocked(paymentID)
}

func (s *Scheduler) removeLocked(paymentID string) {
	if _, ok := s.inFlight[paymentID]; !ok {
		return
	}
	delete(s.inFlight, paymentID)
	for _, e := range s.inFlight {
		if e.position > 0 {
			e.position--
		}
	}
}
