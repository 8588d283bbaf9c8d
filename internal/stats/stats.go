// Package stats aggregates per-connection counters into global and per-IP
// statistics, publishes periodic snapshots to subscribers (the prometheus
// exporter, display sinks) and checkpoints them to a JSON save file so
// leaderboards survive restarts.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// ReportInterval is the cadence at which snapshots are recomputed and
	// published.
	ReportInterval = time.Second

	// slidingWindowSize smooths the bytes/s and fps rates over the last few
	// report ticks.
	slidingWindowSize = 5
)

type EventKind int

const (
	ConnectionCreated EventKind = iota
	ConnectionClosed
	ConnectionDenied
	BytesRead
	FrameRendered
)

// Event is one statistics update from a connection loop, the listener or a
// display sink. Connection loops pre-aggregate byte counts and report every
// few hundred milliseconds, so the aggregator never sees per-packet traffic.
type Event struct {
	Kind  EventKind
	IP    netip.Addr
	Bytes uint64
}

// Snapshot is the published view of all counters. The JSON schema doubles as
// the save-file format; it is stable across restarts but not versioned, and
// unknown keys are ignored on load.
type Snapshot struct {
	Frame           uint64 `json:"frame"`
	Connections     uint32 `json:"connections"`
	IPsV6           uint32 `json:"ips_v6"`
	IPsV4           uint32 `json:"ips_v4"`
	Bytes           uint64 `json:"bytes"`
	FPS             uint64 `json:"fps"`
	BytesPerS       uint64 `json:"bytes_per_s"`
	StatisticEvents uint64 `json:"statistic_events"`

	ConnectionsForIP       map[string]uint32 `json:"connections_for_ip"`
	DeniedConnectionsForIP map[string]uint32 `json:"denied_connections_for_ip"`
	BytesForIP             map[string]uint64 `json:"bytes_for_ip"`
}

// SaveConfig controls the periodic JSON checkpoint. A zero value disables it.
type SaveConfig struct {
	File     string
	Interval time.Duration
}

func (c SaveConfig) enabled() bool { return c.File != "" && c.Interval > 0 }

// Aggregator runs on a single goroutine and owns all counter state. Producers
// hand it events through a channel; consumers subscribe to snapshots.
type Aggregator struct {
	events chan Event
	save   SaveConfig

	mu   sync.Mutex
	subs []chan Snapshot

	frame           uint64
	statisticEvents uint64
	connections     map[netip.Addr]uint32
	denied          map[netip.Addr]uint32
	bytes           map[netip.Addr]uint64

	bytesWindow slidingWindow
	fpsWindow   slidingWindow
}

func NewAggregator(save SaveConfig) *Aggregator {
	a := &Aggregator{
		events:      make(chan Event, 100),
		save:        save,
		connections: make(map[netip.Addr]uint32),
		denied:      make(map[netip.Addr]uint32),
		bytes:       make(map[netip.Addr]uint64),
	}
	if save.enabled() {
		if err := a.restore(save.File); err != nil {
			log.Warn().Err(err).Str("file", save.File).
				Msg("could not restore statistics, starting from zero")
		}
	}
	return a
}

// Report submits one event. It blocks if the aggregator lags behind; the
// aggregation work per event is trivial, so producers prefer waiting over
// letting the rates drift.
func (a *Aggregator) Report(ev Event) {
	a.events <- ev
}

// Subscribe returns a channel receiving every published snapshot. Slow
// subscribers miss snapshots instead of blocking the aggregator.
func (a *Aggregator) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 2)
	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()
	return ch
}

// Run consumes events and drives the report and save tickers until ctx is
// cancelled. A final checkpoint is written on the way out.
func (a *Aggregator) Run(ctx context.Context) error {
	report := time.NewTicker(ReportInterval)
	defer report.Stop()

	var saveC <-chan time.Time
	if a.save.enabled() {
		saveTicker := time.NewTicker(a.save.Interval)
		defer saveTicker.Stop()
		saveC = saveTicker.C
	}

	last := a.snapshot()
	for {
		select {
		case <-ctx.Done():
			if a.save.enabled() {
				if err := writeSnapshot(a.save.File, last); err != nil {
					log.Warn().Err(err).Msg("final statistics checkpoint failed")
				}
			}
			return ctx.Err()
		case ev := <-a.events:
			a.apply(ev)
		case <-report.C:
			last = a.publish(last)
		case <-saveC:
			if err := writeSnapshot(a.save.File, last); err != nil {
				log.Warn().Err(err).Str("file", a.save.File).
					Msg("statistics checkpoint failed")
			}
		}
	}
}

func (a *Aggregator) apply(ev Event) {
	a.statisticEvents++
	switch ev.Kind {
	case ConnectionCreated:
		a.connections[ev.IP]++
	case ConnectionClosed:
		if n := a.connections[ev.IP]; n <= 1 {
			delete(a.connections, ev.IP)
		} else {
			a.connections[ev.IP] = n - 1
		}
	case ConnectionDenied:
		a.denied[ev.IP]++
	case BytesRead:
		a.bytes[ev.IP] += ev.Bytes
	case FrameRendered:
		a.frame++
	}
}

func (a *Aggregator) publish(prev Snapshot) Snapshot {
	snap := a.snapshot()

	elapsedMS := uint64(ReportInterval.Milliseconds())
	a.bytesWindow.add((snap.Bytes - prev.Bytes) * 1000 / elapsedMS)
	a.fpsWindow.add((snap.Frame - prev.Frame) * 1000 / elapsedMS)
	snap.BytesPerS = a.bytesWindow.average()
	snap.FPS = a.fpsWindow.average()

	a.mu.Lock()
	subs := a.subs
	a.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- snap:
		default:
		}
	}
	return snap
}

func (a *Aggregator) snapshot() Snapshot {
	snap := Snapshot{
		Frame:                  a.frame,
		StatisticEvents:        a.statisticEvents,
		ConnectionsForIP:       make(map[string]uint32, len(a.connections)),
		DeniedConnectionsForIP: make(map[string]uint32, len(a.denied)),
		BytesForIP:             make(map[string]uint64, len(a.bytes)),
	}
	for ip, n := range a.connections {
		snap.Connections += n
		if ip.Is4() {
			snap.IPsV4++
		} else {
			snap.IPsV6++
		}
		snap.ConnectionsForIP[ip.String()] = n
	}
	for ip, n := range a.denied {
		snap.DeniedConnectionsForIP[ip.String()] = n
	}
	for ip, n := range a.bytes {
		snap.Bytes += n
		snap.BytesForIP[ip.String()] = n
	}
	return snap
}

// restore loads the save file and carries the persistent counters over. Live
// state (connection counts) is intentionally not restored.
func (a *Aggregator) restore(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("stats: parse save file: %w", err)
	}
	a.frame = snap.Frame
	a.statisticEvents = snap.StatisticEvents
	for raw, n := range snap.BytesForIP {
		ip, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		a.bytes[ip] = n
	}
	return nil
}

// writeSnapshot checkpoints via a temp file and rename so readers never see a
// half-written save file.
func writeSnapshot(file string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, file)
}

// slidingWindow is a fixed-size single-sum moving average.
type slidingWindow struct {
	samples [slidingWindowSize]uint64
	sum     uint64
	next    int
	filled  int
}

func (w *slidingWindow) add(sample uint64) {
	w.sum += sample - w.samples[w.next]
	w.samples[w.next] = sample
	w.next = (w.next + 1) % slidingWindowSize
	if w.filled < slidingWindowSize {
		w.filled++
	}
}

func (w *slidingWindow) average() uint64 {
	if w.filled == 0 {
		return 0
	}
	return w.sum / uint64(w.filled)
}
