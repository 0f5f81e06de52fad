package pipeline

import (
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// mapData rewrites data operations only. fn receives a copy, so upstream
// operations are never mutated.
func mapData(fn func(Data) (Data, error)) Link {
	return func(in Seq) Seq {
		return func(yield func(Op, error) bool) {
			for op, err := range in {
				if err != nil {
					yield(Op{}, err)
					return
				}
				if op.Type == OpData && op.Data != nil {
					d, err := fn(*op.Data)
					if err != nil {
						yield(Op{}, err)
						return
					}
					op.Data = &d
				}
				if !yield(op, nil) {
					return
				}
			}
		}
	}
}

// PrefixConnectorName turns entity "repo" into "<connector>_repo".
func PrefixConnectorName(connectorName string) Link {
	prefix := strings.TrimSpace(connectorName) + "_"
	return mapData(func(d Data) (Data, error) {
		if !strings.HasPrefix(d.Entity, prefix) {
			d.Entity = prefix + d.Entity
		}
		return d, nil
	})
}

type singleTableRow struct {
	Entity string          `json:"entity"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
}

// SingleTable collapses every entity into one table. The original entity name
// and id travel inside the payload; deletes keep a nil payload.
func SingleTable(table string) Link {
	return mapData(func(d Data) (Data, error) {
		out := Data{Entity: table, ID: d.Entity + ":" + d.ID}
		if d.Deleted() {
			return out, nil
		}
		payload, err := json.Marshal(singleTableRow{Entity: d.Entity, ID: d.ID, Data: d.Payload})
		if err != nil {
			return Data{}, err
		}
		out.Payload = payload
		return out, nil
	})
}

// FieldMapping maps entity name to a from->to rename table.
type FieldMapping map[string]map[string]string

// RenameFields renames top-level payload fields of mapped entities. A renamed
// field replaces an existing field of the target name; when several fields
// rename to the same target, the last source in sorted order wins. Payloads
// that are not JSON objects pass through unchanged.
func RenameFields(mapping FieldMapping) Link {
	return mapData(func(d Data) (Data, error) {
		renames := mapping[d.Entity]
		if len(renames) == 0 || d.Deleted() {
			return d, nil
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(d.Payload, &obj); err != nil {
			return d, nil
		}
		out := make(map[string]json.RawMessage, len(obj))
		for k, v := range obj {
			if to := renames[k]; to == "" {
				out[k] = v
			}
		}
		for _, from := range slices.Sorted(maps.Keys(renames)) {
			if v, ok := obj[from]; ok && renames[from] != "" {
				out[renames[from]] = v
			}
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return Data{}, err
		}
		d.Payload = payload
		return d, nil
	})
}

// LogLink logs each operation at debug level and the per-type totals at
// every commit.
func LogLink(logger *slog.Logger, name string) Link {
	if logger == nil {
		logger = slog.Default()
	}
	return func(in Seq) Seq {
		return func(yield func(Op, error) bool) {
			counts := map[OpType]int64{}
			for op, err := range in {
				if err != nil {
					logger.Error("sync stream failed", "link", name, "err", err)
					yield(Op{}, err)
					return
				}
				counts[op.Type]++
				attrs := []any{"link", name, "type", op.Type}
				if op.Data != nil {
					attrs = append(attrs, "entity", op.Data.Entity, "id", op.Data.ID)
				}
				logger.Debug("sync op", attrs...)
				if op.Type == OpCommit {
					logger.Info("sync commit",
						"link", name,
						"data", counts[OpData],
						"conn_updates", counts[OpConnUpdate],
						"state_updates", counts[OpStateUpdate],
					)
				}
				if !yield(op, nil) {
					return
				}
			}
		}
	}
}
