// Package dashboard implements the live-progress event bus and its Gin
// HTTP surface. The Bus implements pipeline.Events, fanning
// stage/VM/wave transitions out to any number of subscribers (an
// in-process reader, or HTTP clients polling /api/v1/events).
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventKind identifies the shape of an Event's payload.
type EventKind string

const (
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
	EventStageFailed    EventKind = "stage_failed"
	EventVMCompleted    EventKind = "vm_completed"
	EventVMFailed       EventKind = "vm_failed"
	EventWaveCompleted  EventKind = "wave_completed"
)

// Event is one notification, serialized as-is to HTTP subscribers.
type Event struct {
	Kind        EventKind `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	MigrationID string    `json:"migration_id,omitempty"`
	VMName      string    `json:"vm_name,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	Wave        string    `json:"wave,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Bus accumulates events and implements pipeline.Events. Subscribers
// read a snapshot via Since; there is no push transport, matching the
// orchestrator's poll-friendly, dependency-light design.
type Bus struct {
	mu     sync.Mutex
	events []Event
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) append(e Event) {
	e.Timestamp = time.Now()
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *Bus) StageStarted(migrationID, vmName, stage string) {
	b.append(Event{Kind: EventStageStarted, MigrationID: migrationID, VMName: vmName, Stage: stage})
}

func (b *Bus) StageCompleted(migrationID, vmName, stage string) {
	b.append(Event{Kind: EventStageCompleted, MigrationID: migrationID, VMName: vmName, Stage: stage})
}

func (b *Bus) StageFailed(migrationID, vmName, stage string, err error) {
	b.append(Event{Kind: EventStageFailed, MigrationID: migrationID, VMName: vmName, Stage: stage, Message: err.Error()})
}

func (b *Bus) VMCompleted(migrationID, vmName string) {
	b.append(Event{Kind: EventVMCompleted, MigrationID: migrationID, VMName: vmName})
}

func (b *Bus) VMFailed(migrationID, vmName string, err error) {
	b.append(Event{Kind: EventVMFailed, MigrationID: migrationID, VMName: vmName, Message: err.Error()})
}

// WaveCompleted is called directly by the orchestrator (not part of the
// pipeline.Events interface, since waves are the orchestrator's concern).
func (b *Bus) WaveCompleted(wave string) {
	b.append(Event{Kind: EventWaveCompleted, Wave: wave})
}

// Since returns every event recorded at index >= from, plus the new
// high-water mark to pass on the next call.
func (b *Bus) Since(from int) ([]Event, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from >= len(b.events) {
		return nil, len(b.events)
	}
	out := make([]Event, len(b.events)-from)
	copy(out, b.events[from:])
	return out, len(b.events)
}

// Server exposes the event bus over HTTP for polling clients, behind
// the usual logger+recovery middleware stack.
type Server struct {
	bus    *Bus
	log    *zap.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the dashboard's Gin engine, listening on port once
// Start is called.
func NewServer(bus *Bus, log *zap.Logger, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(log, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(log, true))

	s := &Server{bus: bus, log: log, engine: engine}

	engine.GET("/api/v1/events", func(c *gin.Context) {
		from, _ := strconv.Atoi(c.Query("from"))
		events, next := bus.Since(from)
		c.JSON(http.StatusOK, gin.H{"events": events, "next": next})
	})
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	s.http = &http.Server{Addr: portAddr(port), Handler: engine}
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func portAddr(port int) string {
	if port == 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}
