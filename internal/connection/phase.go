package connection

import (
	"fmt"
	"log/slog"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
	"github.com/open-sspm/open-connect/internal/metrics"
)

// Phase is a step of the connect lifecycle.
type Phase string

const (
	PhaseUninitialized          Phase = "uninitialized"
	PhasePreparing              Phase = "preparing"
	PhaseAwaitingExternalAction Phase = "awaiting_external_action"
	PhaseExchanging             Phase = "exchanging"
	PhaseUnverified             Phase = "unverified"
	PhaseHealthy                Phase = "healthy"
	PhaseManual                 Phase = "manual"
	PhaseError                  Phase = "error"
	PhaseDisconnected           Phase = "disconnected"
)

var transitions = map[Phase][]Phase{
	PhaseUninitialized:          {PhasePreparing},
	PhasePreparing:              {PhaseAwaitingExternalAction, PhaseError},
	PhaseAwaitingExternalAction: {PhaseExchanging, PhaseError},
	PhaseExchanging:             {PhaseHealthy, PhaseManual, PhaseUnverified, PhaseError, PhaseDisconnected},
	PhaseUnverified:             {PhaseHealthy, PhaseManual, PhaseError, PhaseDisconnected},
	PhaseHealthy:                {PhaseManual, PhaseUnverified, PhaseError, PhaseDisconnected},
	PhaseManual:                 {PhaseHealthy, PhaseUnverified, PhaseError, PhaseDisconnected},
	PhaseError:                  {PhaseHealthy, PhaseManual, PhaseUnverified, PhaseDisconnected},
	PhaseDisconnected:           {PhasePreparing},
}

func (p Phase) settled() bool {
	switch p {
	case PhaseHealthy, PhaseManual, PhaseUnverified, PhaseError, PhaseDisconnected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle allows moving from p to next.
// Settled phases may repeat themselves, since a check can confirm the status
// it already had.
func (p Phase) CanTransition(next Phase) bool {
	if p == next {
		return p.settled()
	}
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PhaseForStatus maps a stored status to the settled phase it represents.
// Unknown connections hold credentials nobody verified yet. Anything that is
// not a valid status maps to PhaseExchanging, which no flow can settle in.
func PhaseForStatus(s schema.Status) Phase {
	switch s {
	case schema.StatusHealthy:
		return PhaseHealthy
	case schema.StatusManual:
		return PhaseManual
	case schema.StatusError:
		return PhaseError
	case schema.StatusDisconnected:
		return PhaseDisconnected
	case schema.StatusUnknown:
		return PhaseUnverified
	default:
		return PhaseExchanging
	}
}

// flow tracks the phase of one lifecycle operation.
type flow struct {
	logger        *slog.Logger
	connectorName string
	connectionID  string
	phase         Phase
}

func (c *Controller) newFlow(connectorName string, start Phase) *flow {
	return &flow{logger: c.logger, connectorName: connectorName, phase: start}
}

func (f *flow) advance(next Phase) error {
	if !f.phase.CanTransition(next) {
		return fmt.Errorf("invalid connect phase transition %s -> %s", f.phase, next)
	}
	metrics.ConnectPhaseTransitionsTotal.WithLabelValues(f.connectorName, string(f.phase), string(next)).Inc()
	f.logger.Debug("connect phase",
		"connector", f.connectorName,
		"connection_id", f.connectionID,
		"from", f.phase,
		"to", next,
	)
	f.phase = next
	return nil
}

// fail moves to PhaseError when the current phase allows it and returns err.
func (f *flow) fail(err error) error {
	if f.phase.CanTransition(PhaseError) {
		_ = f.advance(PhaseError)
	}
	return err
}
