package record

import (
	"encoding/json"
	"fmt"
)

const tupleFields = 7

// EncodeTuples renders records as an ordered JSON list of
// [id, path, name, locked, lockId, owner, lockedAt] tuples.
func EncodeTuples(records []Record) ([]byte, error) {
	out := make([][tupleFields]any, 0, len(records))
	for _, r := range records {
		r = r.Normalize()
		out = append(out, [tupleFields]any{r.ID, r.Path, r.Name, r.Locked, r.LockID, r.Owner, r.LockedAt})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("record: encode tuples: %w", err)
	}
	return data, nil
}

// DecodeTuples parses the tuple list produced by EncodeTuples. Malformed or
// invalid tuples are skipped and counted in dropped.
func DecodeTuples(data []byte) (records []Record, dropped int, err error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	var raw [][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("record: decode tuples: %w", err)
	}
	records = make([]Record, 0, len(raw))
	for _, fields := range raw {
		rec, ok := decodeTuple(fields)
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	return records, dropped, nil
}

func decodeTuple(fields []json.RawMessage) (Record, bool) {
	if len(fields) != tupleFields {
		return Record{}, false
	}
	var rec Record
	targets := []any{&rec.ID, &rec.Path, &rec.Name, &rec.Locked, &rec.LockID, &rec.Owner, &rec.LockedAt}
	for i, target := range targets {
		if err := json.Unmarshal(fields[i], target); err != nil {
			return Record{}, false
		}
	}
	rec = rec.Normalize()
	if !rec.Valid() || rec.Path == "" {
		return Record{}, false
	}
	return rec, true
}
