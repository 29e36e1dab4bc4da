package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

//go:embed templates/*
var templates embed.FS

// BoardStats is the live part of the snapshot, pulled from the client on
// every request.
type BoardStats struct {
	Endpoint          string         `json:"endpoint"`
	ReconnectAttempts int            `json:"reconnectAttempts"`
	Announcements     int            `json:"announcements"`
	ByStatus          map[string]int `json:"byStatus"`
	PriorityIDs       []string       `json:"priorityIds"`
	LastSync          time.Time      `json:"lastSync,omitempty"`
	LastRing          time.Time      `json:"lastRing,omitempty"`
	Username          string         `json:"username"`
}

// Stats is the full dashboard payload.
type Stats struct {
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
	LastDisconnect time.Time `json:"lastDisconnect,omitempty"`
	StartTime      time.Time `json:"startTime"`
	BoardStats
}

// Dashboard serves a small status page over the client's state.
type Dashboard struct {
	mu             sync.RWMutex
	connected      bool
	connectedSince time.Time
	lastDisconnect time.Time
	startTime      time.Time

	snapshotFunc  func() BoardStats
	reconnectFunc func() error
}

// New creates a dashboard. snapshotFunc supplies the live board state;
// reconnectFunc forces a redial.
func New(snapshotFunc func() BoardStats, reconnectFunc func() error) *Dashboard {
	return &Dashboard{
		startTime:     time.Now(),
		snapshotFunc:  snapshotFunc,
		reconnectFunc: reconnectFunc,
	}
}

// SetConnected records a connection state change.
func (d *Dashboard) SetConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected = connected
	if connected {
		d.connectedSince = time.Now()
	} else {
		d.lastDisconnect = time.Now()
	}
}

// GetStats assembles the current snapshot.
func (d *Dashboard) GetStats() Stats {
	d.mu.RLock()
	stats := Stats{
		Connected:      d.connected,
		ConnectedSince: d.connectedSince,
		LastDisconnect: d.lastDisconnect,
		StartTime:      d.startTime,
	}
	d.mu.RUnlock()

	if d.snapshotFunc != nil {
		stats.BoardStats = d.snapshotFunc()
	}
	return stats
}

// Serve starts the HTTP dashboard server. It shuts down gracefully when ctx
// is cancelled.
func (d *Dashboard) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", d.handleStats)
	mux.HandleFunc("/api/reconnect", d.handleReconnect)
	mux.HandleFunc("/", d.handleIndex)

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("[dashboard] serving on %s", addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(d.GetStats()); err != nil {
		log.Printf("[dashboard] encode stats: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (d *Dashboard) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.reconnectFunc == nil {
		http.Error(w, "Reconnect not configured", http.StatusInternalServerError)
		return
	}

	log.Printf("[dashboard] manual reconnect requested")
	if err := d.reconnectFunc(); err != nil {
		log.Printf("[dashboard] reconnect failed: %v", err)
		http.Error(w, fmt.Sprintf("Reconnect failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := templates.ReadFile("templates/index.html")
	if err != nil {
		log.Printf("[dashboard] read index.html: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}
