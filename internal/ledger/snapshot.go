package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrSnapshotCorrupt is returned by DecodeSnapshot when the document is not
// a JSON object.
var ErrSnapshotCorrupt = errors.New("snapshot is not a JSON object")

// EncodeSnapshot serializes balances as a JSON object with sorted keys.
func EncodeSnapshot(balances map[string]int64) ([]byte, error) {
	if balances == nil {
		balances = map[string]int64{}
	}
	return json.MarshalIndent(balances, "", "  ")
}

// SnapshotRepair describes one value that could not be taken as stored.
type SnapshotRepair struct {
	Key    string
	Action string
	Detail string
}

func (r SnapshotRepair) String() string {
	return fmt.Sprintf("%s %q: %s", r.Action, r.Key, r.Detail)
}

// DecodeSnapshot parses a snapshot document. Keys are canonicalized; keys
// that become equal are summed. A value that is not a non-negative integer
// is coerced to 0. Every such adjustment is reported as a repair so the
// caller can log it and rewrite the document.
func DecodeSnapshot(data []byte) (map[string]int64, []SnapshotRepair, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil, ErrSnapshotCorrupt
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}

	balances := make(map[string]int64, len(raw))
	var repairs []SnapshotRepair

	for key, value := range raw {
		id, err := Normalize(key)
		if err != nil {
			repairs = append(repairs, SnapshotRepair{Key: key, Action: "dropped", Detail: err.Error()})
			continue
		}
		if id != key {
			repairs = append(repairs, SnapshotRepair{Key: key, Action: "renamed", Detail: "canonical form " + id})
		}

		balance, ok := decodeBalance(value)
		if !ok {
			repairs = append(repairs, SnapshotRepair{Key: key, Action: "reset", Detail: "invalid balance " + string(value) + ", resetting to 0"})
		}

		if existing, dup := balances[id]; dup {
			repairs = append(repairs, SnapshotRepair{Key: key, Action: "merged", Detail: "summed into " + id})
			balance = saturatingAdd(existing, balance)
		}
		balances[id] = balance
	}

	return balances, repairs, nil
}

// decodeBalance accepts only JSON integers in [0, MaxInt64].
func decodeBalance(value json.RawMessage) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > (1<<63-1)-b {
		return 1<<63 - 1
	}
	return a + b
}
