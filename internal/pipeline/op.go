// Package pipeline moves ordered sync operations from a source to a
// destination through composable links.
package pipeline

import (
	"encoding/json"

	"github.com/open-sspm/open-connect/internal/connectors/schema"
)

type OpType string

const (
	OpData        OpType = "data"
	OpConnUpdate  OpType = "connUpdate"
	OpStateUpdate OpType = "stateUpdate"
	OpCommit      OpType = "commit"
	OpReady       OpType = "ready"
)

type StatePhase string

const (
	StatePhaseInit     StatePhase = "init"
	StatePhaseComplete StatePhase = "complete"
)

type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// Data is one entity record. A nil Payload marks a delete.
type Data struct {
	Entity  string          `json:"entity"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (d Data) Deleted() bool {
	return len(d.Payload) == 0 || string(d.Payload) == "null"
}

// Op is a tagged union; only the fields belonging to Type are set.
type Op struct {
	Type     OpType `json:"type"`
	SourceID string `json:"source_id,omitempty"`

	Data *Data `json:"data,omitempty"`

	ConnectionID string                   `json:"connection_id,omitempty"`
	ConnUpdate   *schema.ConnectionUpdate `json:"conn_update,omitempty"`

	State      json.RawMessage `json:"state,omitempty"`
	StatePhase StatePhase      `json:"state_phase,omitempty"`
	Side       Side            `json:"side,omitempty"`
}

func DataOp(entity, id string, payload json.RawMessage) Op {
	return Op{Type: OpData, Data: &Data{Entity: entity, ID: id, Payload: payload}}
}

func DeleteOp(entity, id string) Op {
	return Op{Type: OpData, Data: &Data{Entity: entity, ID: id}}
}

func ConnUpdateOp(connectionID string, update schema.ConnectionUpdate) Op {
	return Op{Type: OpConnUpdate, ConnectionID: connectionID, ConnUpdate: &update}
}

func StateOp(side Side, phase StatePhase, state json.RawMessage) Op {
	return Op{Type: OpStateUpdate, Side: side, StatePhase: phase, State: state}
}

func CommitOp() Op {
	return Op{Type: OpCommit}
}

func ReadyOp(sourceID string) Op {
	return Op{Type: OpReady, SourceID: sourceID}
}
