package logging

import (
	"sync"
	"time"

	"github.com/gologme/log"
	"go.uber.org/atomic"
)

// Operation tracks a single long-running delivery (receive, store, send).
type Operation struct {
	OpID       string
	EmailID    int64
	TotalSize  int64
	Stage      string // "RECEIVE", "STORE", "SEND"
	StartTime  time.Time
	Milestones []Milestone
	mu         sync.Mutex
}

// Milestone represents a progress checkpoint
type Milestone struct {
	Timestamp time.Time
	Stage     string
	Bytes     int64
	Message   string
}

// Operations logs progress of deliveries whose raw size is above the
// small-message threshold. Smaller deliveries are not tracked.
type Operations struct {
	log        *log.Logger
	threshold  int64
	operations sync.Map // map[string]*Operation
	active     atomic.Int64
}

func NewOperations(logger *log.Logger, threshold int64) *Operations {
	return &Operations{log: logger, threshold: threshold}
}

// Tracked reports whether a message of the given size should be tracked.
func (l *Operations) Tracked(size int64) bool {
	return size >= l.threshold
}

// Start begins tracking a new operation
func (l *Operations) Start(opID string, size int64, stage string) {
	op := &Operation{
		OpID:       opID,
		TotalSize:  size,
		Stage:      stage,
		StartTime:  time.Now(),
		Milestones: make([]Milestone, 0),
	}
	if _, loaded := l.operations.LoadOrStore(opID, op); !loaded {
		l.active.Inc()
	}

	l.log.Infof("[%s] START %s - Size=%d bytes (%.2f MB)",
		opID, stage, size, float64(size)/(1024*1024))
}

// Milestone records a progress checkpoint with speed calculation
func (l *Operations) Milestone(opID, stage string, bytes int64, message string) {
	value, ok := l.operations.Load(opID)
	if !ok {
		l.log.Warnf("[%s] operation not found for milestone", opID)
		return
	}

	op := value.(*Operation)
	op.mu.Lock()
	defer op.mu.Unlock()

	op.Milestones = append(op.Milestones, Milestone{
		Timestamp: time.Now(),
		Stage:     stage,
		Bytes:     bytes,
		Message:   message,
	})

	var speed, percentage float64
	if elapsed := time.Since(op.StartTime).Seconds(); elapsed > 0 {
		speed = float64(bytes) / elapsed / (1024 * 1024) // MB/s
	}
	if op.TotalSize > 0 {
		percentage = float64(bytes) / float64(op.TotalSize) * 100
	}

	l.log.Infof("[%s] %s - %.1f%% (%d/%d) Speed=%.2f MB/s - %s",
		opID, stage, percentage, bytes, op.TotalSize, speed, message)
}

// End finalizes an operation. emailID is the stored row, if any.
func (l *Operations) End(opID string, emailID int64, err error) {
	value, ok := l.operations.LoadAndDelete(opID)
	if !ok {
		l.log.Warnf("[%s] operation not found for end", opID)
		return
	}
	l.active.Dec()

	op := value.(*Operation)
	op.mu.Lock()
	op.EmailID = emailID
	elapsed := time.Since(op.StartTime)
	op.mu.Unlock()

	var avgSpeed float64
	if elapsed.Seconds() > 0 {
		avgSpeed = float64(op.TotalSize) / elapsed.Seconds() / (1024 * 1024)
	}

	if err == nil {
		l.log.Infof("[%s] SUCCESS - EmailID=%d Duration=%v AvgSpeed=%.2f MB/s",
			opID, emailID, elapsed.Round(time.Millisecond), avgSpeed)
	} else {
		l.log.Errorf("[%s] FAILED - Duration=%v Error: %v",
			opID, elapsed.Round(time.Millisecond), err)
	}
}

// Active returns the count of currently tracked operations
func (l *Operations) Active() int {
	return int(l.active.Load())
}

// Status returns the latest stage and progress of an operation
func (l *Operations) Status(opID string) (stage string, progress float64, found bool) {
	value, ok := l.operations.Load(opID)
	if !ok {
		return "", 0, false
	}

	op := value.(*Operation)
	op.mu.Lock()
	defer op.mu.Unlock()

	if len(op.Milestones) == 0 {
		return op.Stage, 0, true
	}
	latest := op.Milestones[len(op.Milestones)-1]
	if op.TotalSize > 0 {
		progress = float64(latest.Bytes) / float64(op.TotalSize) * 100
	}
	return latest.Stage, progress, true
}
