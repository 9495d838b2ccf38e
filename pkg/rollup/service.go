package rollup

import (
	"log"
	"os"
	"sync"
	"time"
)

// Service wraps a Manager in its own goroutine: producers hand receipts
// over a bounded queue via Submit, and a ticker drives the periodic
// level rolls, so the per-second/minute/hour/day buffers are only ever
// touched from one place. Concurrency shape follows the same
// goroutine/channel/stop-channel idiom as pkg/ibft.Engine.
type Service struct {
	mgr    *Manager
	log    *log.Logger
	tick   time.Duration
	queue  chan MicroReceipt
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	QueueSize    int           // bounded submit queue; 0 => 10000
	TickInterval time.Duration // cadence of the periodic rolls; 0 => 1s
	Logger       *log.Logger
}

func NewService(mgr *Manager, opts ServiceOptions) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[Rollup] ", log.LstdFlags)
	}
	return &Service{
		mgr:    mgr,
		log:    logger,
		tick:   opts.TickInterval,
		queue:  make(chan MicroReceipt, opts.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Submit hands a receipt to the rollup goroutine without blocking the
// producer. When the queue is full the oldest queued receipt is dropped
// and counted, mirroring the manager's own overflow policy: unsealed
// receipts are expendable under pressure, sealed roots never are.
func (s *Service) Submit(r MicroReceipt) {
	for {
		select {
		case s.queue <- r:
			return
		default:
		}
		select {
		case <-s.queue:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		default:
		}
	}
}

// QueueDropped reports receipts evicted from the submit queue before
// they ever reached the manager. Manager.DroppedReceipts separately
// counts evictions from the manager's own buffers.
func (s *Service) QueueDropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Start launches the rollup goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case r := <-s.queue:
				if err := s.mgr.AddReceipt(r); err != nil {
					s.log.Printf("warn: dropping receipt at %dns: %v", r.TimestampNS, err)
				}
			case <-ticker.C:
				now := time.Now().Unix()
				if _, err := s.mgr.RollSeconds(now); err != nil {
					s.log.Printf("warn: rolling seconds: %v", err)
				}
				if _, err := s.mgr.RollMinutes(now); err != nil {
					s.log.Printf("warn: rolling minutes: %v", err)
				}
				if _, err := s.mgr.RollHours(now); err != nil {
					s.log.Printf("warn: rolling hours: %v", err)
				}
				if _, err := s.mgr.RollDays(now); err != nil {
					s.log.Printf("warn: rolling days: %v", err)
				}
			}
		}
	}()
}

// Stop drains the queue into the manager, seals every open bucket, and
// waits for the goroutine to exit.
func (s *Service) Stop() error {
	close(s.stopCh)
	s.wg.Wait()

	for {
		select {
		case r := <-s.queue:
			if err := s.mgr.AddReceipt(r); err != nil {
				s.log.Printf("warn: dropping receipt at shutdown: %v", err)
			}
			continue
		default:
		}
		break
	}

	_, err := s.mgr.ForceRollup()
	return err
}
