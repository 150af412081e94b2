// Package registry owns the live controller connections of the fleet and
// routes their notifications to the reconciler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"printlog/internal/logging"
	"printlog/internal/models"
	"printlog/internal/moonraker"
	"printlog/internal/telemetry"
)

// Directory lists the printers that should be connected.
type Directory interface {
	ListActive(ctx context.Context) ([]models.PrinterIdentity, error)
}

// EventHandler applies decoded notifications to the ledger.
type EventHandler interface {
	HandleStatus(ctx context.Context, printerID int64, u *moonraker.StatusUpdate) error
	HandleHistory(ctx context.Context, printerID int64, h *moonraker.HistoryChanged) error
}

// Conn is the part of moonraker.Client the registry drives.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() moonraker.State
}

// Dialer builds an unconnected Conn for one printer.
type Dialer func(identity models.PrinterIdentity, handler moonraker.Handler, opts moonraker.Options) Conn

func dialClient(identity models.PrinterIdentity, handler moonraker.Handler, opts moonraker.Options) Conn {
	return moonraker.NewClient(identity, handler, opts)
}

// ErrNotConnected is returned by Status for printers without a connection.
var ErrNotConnected = errors.New("registry: printer not connected")

// PrinterStatus is the in-memory view of one connection.
type PrinterStatus struct {
	PrinterID int64  `json:"printer_id"`
	State     string `json:"state"`
}

type Registry struct {
	directory Directory
	events    EventHandler
	opts      moonraker.Options
	dial      Dialer

	mu    sync.Mutex
	conns map[int64]Conn
}

func New(directory Directory, events EventHandler, opts moonraker.Options) *Registry {
	r := &Registry{
		directory: directory,
		events:    events,
		dial:      dialClient,
		conns:     make(map[int64]Conn),
	}
	opts.OnStateChange = chainStateChange(opts.OnStateChange, trackState)
	opts.OnGiveUp = chainGiveUp(opts.OnGiveUp, r.giveUp)
	r.opts = opts
	return r
}

// SetDialer replaces how connections are built.
func (r *Registry) SetDialer(d Dialer) {
	r.dial = d
}

// Start connects every active printer. A printer that fails to connect is
// logged and skipped; only a directory failure is returned.
func (r *Registry) Start(ctx context.Context) error {
	printers, err := r.directory.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active printers: %w", err)
	}
	logging.Info().Int("printers", len(printers)).Msg("starting connection registry")

	for _, p := range printers {
		if err := r.ConnectPrinter(ctx, p); err != nil {
			logging.Error().Err(err).Int64("printer_id", p.ID).Msg("failed to connect printer")
		}
	}
	return nil
}

// ConnectPrinter opens a connection for identity and stores it. An existing
// connection for the same printer is closed and replaced.
func (r *Registry) ConnectPrinter(ctx context.Context, identity models.PrinterIdentity) error {
	logging.Info().Int64("printer_id", identity.ID).Str("url", identity.URL).Msg("connecting printer")

	r.mu.Lock()
	old, ok := r.conns[identity.ID]
	delete(r.conns, identity.ID)
	r.mu.Unlock()
	if ok {
		old.Disconnect()
	}

	conn := r.dial(identity, r.route, r.opts)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect printer %d: %w", identity.ID, err)
	}

	r.mu.Lock()
	prev, raced := r.conns[identity.ID]
	r.conns[identity.ID] = conn
	r.mu.Unlock()
	if raced {
		prev.Disconnect()
	}
	logging.Info().Int64("printer_id", identity.ID).Msg("printer connected")
	return nil
}

// DisconnectPrinter closes and forgets a printer's connection.
func (r *Registry) DisconnectPrinter(printerID int64) {
	r.mu.Lock()
	conn, ok := r.conns[printerID]
	delete(r.conns, printerID)
	r.mu.Unlock()
	if !ok {
		logging.Warn().Int64("printer_id", printerID).Msg("printer not connected")
		return
	}
	conn.Disconnect()
	logging.Info().Int64("printer_id", printerID).Msg("printer disconnected")
}

// Stop disconnects everything and leaves the registry empty.
func (r *Registry) Stop() {
	logging.Info().Msg("stopping connection registry")
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[int64]Conn)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, conn := range conns {
		wg.Add(1)
		go func(id int64, conn Conn) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error().Int64("printer_id", id).Interface("panic", rec).Msg("disconnect failed")
				}
			}()
			conn.Disconnect()
		}(id, conn)
	}
	wg.Wait()
	logging.Info().Int("printers", len(conns)).Msg("connection registry stopped")
}

// Serve runs the registry as a supervised service.
func (r *Registry) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return ctx.Err()
}

func (r *Registry) String() string { return "connection-registry" }

func (r *Registry) route(printerID int64, n moonraker.Notification) {
	ctx := logging.WithCorrelationID(context.Background(), "")
	if err := r.HandleEvent(ctx, printerID, n); err != nil {
		logging.Ctx(ctx).Error().Err(err).Int64("printer_id", printerID).Str("method", n.Method()).Msg("failed to reconcile event")
	}
}

// HandleEvent dispatches one notification by method. Unknown methods are
// dropped.
func (r *Registry) HandleEvent(ctx context.Context, printerID int64, n moonraker.Notification) error {
	telemetry.EventsReceived.WithLabelValues(n.Method()).Inc()

	var err error
	switch ev := n.(type) {
	case *moonraker.StatusUpdate:
		err = r.events.HandleStatus(ctx, printerID, ev)
	case *moonraker.HistoryChanged:
		err = r.events.HandleHistory(ctx, printerID, ev)
	default:
		logging.Debug().Int64("printer_id", printerID).Str("method", n.Method()).Msg("ignoring notification")
		return nil
	}
	if err != nil {
		telemetry.ReconcileErrors.WithLabelValues(n.Method()).Inc()
		return fmt.Errorf("%s: %w", n.Method(), err)
	}
	return nil
}

// Status reports the connection state of one printer.
func (r *Registry) Status(printerID int64) (PrinterStatus, error) {
	r.mu.Lock()
	conn, ok := r.conns[printerID]
	r.mu.Unlock()
	if !ok {
		return PrinterStatus{PrinterID: printerID, State: moonraker.StateDisconnected.String()}, ErrNotConnected
	}
	return PrinterStatus{PrinterID: printerID, State: conn.State().String()}, nil
}

// Snapshot lists every tracked connection ordered by printer id.
func (r *Registry) Snapshot() []PrinterStatus {
	r.mu.Lock()
	out := make([]PrinterStatus, 0, len(r.conns))
	for id, conn := range r.conns {
		out = append(out, PrinterStatus{PrinterID: id, State: conn.State().String()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PrinterID < out[j].PrinterID })
	return out
}

// giveUp keeps the dead connection visible as disconnected until an operator
// reconnects or removes the printer.
func (r *Registry) giveUp(printerID int64) {
	telemetry.ReconnectGiveUps.Inc()
	logging.Warn().Int64("printer_id", printerID).Msg("printer unreachable, waiting for manual reconnect")
}

func trackState(_ int64, from, to moonraker.State) {
	if from != moonraker.StateDisconnected {
		telemetry.ConnectionsByState.WithLabelValues(from.String()).Dec()
	}
	if to != moonraker.StateDisconnected {
		telemetry.ConnectionsByState.WithLabelValues(to.String()).Inc()
	}
	if from == moonraker.StateReconnecting && to == moonraker.StateConnecting {
		telemetry.ReconnectAttempts.Inc()
	}
}

func chainStateChange(fns ...func(int64, moonraker.State, moonraker.State)) func(int64, moonraker.State, moonraker.State) {
	return func(id int64, from, to moonraker.State) {
		for _, fn := range fns {
			if fn != nil {
				fn(id, from, to)
			}
		}
	}
}

func chainGiveUp(fns ...func(int64)) func(int64) {
	return func(id int64) {
		for _, fn := range fns {
			if fn != nil {
				fn(id)
			}
		}
	}
}
