package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"clinic-queue/internal/status"
	"clinic-queue/models"
	"clinic-queue/monitoring"
	"clinic-queue/utils"
)

// Bus carries envelopes between processes of one deployment.
type Bus interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	// Subscribe starts delivering every message on the bus to handler,
	// including this process's own, until ctx ends or Close is called.
	Subscribe(ctx context.Context, handler func(payload []byte)) error
	Close() error
}

// Distributor publishes a persisted snapshot to the session's subscribers.
type Distributor interface {
	Publish(ctx context.Context, snapshot models.EtaSnapshot) error
	Start(ctx context.Context) error
	Close() error
}

// LocalOnlyDistributor delivers to clients connected to this process only.
type LocalOnlyDistributor struct {
	hub *Hub
}

func NewLocalOnlyDistributor(hub *Hub) *LocalOnlyDistributor {
	return &LocalOnlyDistributor{hub: hub}
}

func (d *LocalOnlyDistributor) Publish(ctx context.Context, snapshot models.EtaSnapshot) error {
	return deliverLocal(d.hub, snapshot)
}

func (d *LocalOnlyDistributor) Start(ctx context.Context) error { return nil }

func (d *LocalOnlyDistributor) Close() error { return nil }

// FanOutDistributor delivers locally and forwards to sibling processes over a
// bus. A failing bus never fails Publish's local delivery.
type FanOutDistributor struct {
	hub        *Hub
	bus        Bus
	instanceID string
	breaker    *utils.CircuitBreaker
	logger     *slog.Logger
}

func NewFanOutDistributor(hub *Hub, bus Bus, instanceID string) *FanOutDistributor {
	return &FanOutDistributor{
		hub:        hub,
		bus:        bus,
		instanceID: instanceID,
		breaker: utils.NewCircuitBreakerWithSettings("fanout-"+bus.Name(), utils.Settings{
			MaxRequests:  5,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
			FailureRatio: 0.6,
		}),
		logger: slog.With("component", "distributor", "bus", bus.Name()),
	}
}

// Publish returns an error wrapping status.ErrDistributionDegraded when the
// bus could not be reached; local subscribers have been served regardless.
func (d *FanOutDistributor) Publish(ctx context.Context, snapshot models.EtaSnapshot) error {
	if err := deliverLocal(d.hub, snapshot); err != nil {
		return err
	}

	data, err := json.Marshal(envelope{Origin: d.instanceID, Snapshot: snapshot})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = d.breaker.Execute(ctx, func() (any, error) {
		return nil, d.bus.Publish(ctx, data)
	})
	if err != nil {
		monitoring.TrackDistributionDegraded(d.bus.Name())
		d.logger.Warn("Fan-out publish failed, delivered locally only",
			"session_id", snapshot.SessionID,
			"version", snapshot.Version,
			"breaker", d.breaker.State().String(),
			"error", err,
		)
		return fmt.Errorf("%w: %v", status.ErrDistributionDegraded, err)
	}
	return nil
}

// Start subscribes to the bus. A bus that cannot be reached leaves the
// process serving local clients only.
func (d *FanOutDistributor) Start(ctx context.Context) error {
	if err := d.bus.Subscribe(ctx, d.receive); err != nil {
		monitoring.TrackDistributionDegraded(d.bus.Name())
		d.logger.Warn("Fan-out subscribe failed, running local-only", "error", err)
		return fmt.Errorf("%w: %v", status.ErrDistributionDegraded, err)
	}
	d.logger.Info("Fan-out subscribed", "instance_id", d.instanceID)
	return nil
}

func (d *FanOutDistributor) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Warn("Discarding malformed bus message", "error", err)
		return
	}
	if env.Origin == d.instanceID {
		return
	}
	if err := deliverLocal(d.hub, env.Snapshot); err != nil {
		d.logger.Warn("Local delivery of bus message failed", "session_id", env.Snapshot.SessionID, "error", err)
	}
}

func (d *FanOutDistributor) Close() error {
	return d.bus.Close()
}

func deliverLocal(hub *Hub, snapshot models.EtaSnapshot) error {
	data, err := EncodeEtaUpdate(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	hub.Broadcast(snapshot.SessionID, data)
	return nil
}
