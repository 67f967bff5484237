// Package crdt implements the merge primitive used by the sync engine.
//
// A document is a set of operations. Each operation is identified by the
// origin that produced it and a per-origin clock, and carries an opaque
// payload that only clients interpret. Merging two documents is set union.
// When two operations share an identifier the byte-wise smaller payload is
// kept, so merge stays commutative, associative and idempotent regardless of
// delivery order.
package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrMalformed = errors.New("malformed update")

// OpID identifies an operation across all replicas.
type OpID struct {
	Origin string
	Clock  uint64
}

type Op struct {
	Origin string `json:"origin"`
	Clock  uint64 `json:"clock"`
	Data   []byte `json:"data,omitempty"`
}

func (o Op) ID() OpID {
	return OpID{Origin: o.Origin, Clock: o.Clock}
}

// Update is an incremental change, or a full snapshot when it carries every
// operation of a document.
type Update struct {
	Ops []Op `json:"ops"`
}

func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// StateVector maps an origin to the highest clock c such that the replica
// holds every operation 1..c from it. Operations past a gap are not counted,
// so a peer diffing against the vector resends them.
type StateVector map[string]uint64

// Doc is a replica. It is not safe for concurrent use; the sync engine only
// touches it from a document's serialized merge loop.
type Doc struct {
	ops map[OpID][]byte
}

func New() *Doc {
	return &Doc{ops: make(map[OpID][]byte)}
}

// Load builds a replica from an encoded snapshot. Empty input yields an empty
// document.
func Load(state []byte) (*Doc, error) {
	doc := New()
	if len(bytes.TrimSpace(state)) == 0 {
		return doc, nil
	}
	update, err := DecodeUpdate(state)
	if err != nil {
		return nil, err
	}
	doc.Apply(update)
	return doc, nil
}

// Apply merges u into the replica and returns the operations that changed
// its state. Re-applying an already merged update returns an empty update.
func (d *Doc) Apply(u Update) Update {
	changed := make(map[OpID]struct{})
	for _, op := range u.Ops {
		id := op.ID()
		current, ok := d.ops[id]
		if ok && bytes.Compare(current, op.Data) <= 0 {
			continue
		}
		d.ops[id] = append([]byte(nil), op.Data...)
		changed[id] = struct{}{}
	}
	applied := make([]Op, 0, len(changed))
	for id := range changed {
		applied = append(applied, Op{Origin: id.Origin, Clock: id.Clock, Data: d.ops[id]})
	}
	sortOps(applied)
	return Update{Ops: applied}
}

func (d *Doc) Len() int {
	return len(d.ops)
}

// Snapshot returns every operation as a single update.
func (d *Doc) Snapshot() Update {
	ops := make([]Op, 0, len(d.ops))
	for id, data := range d.ops {
		ops = append(ops, Op{Origin: id.Origin, Clock: id.Clock, Data: data})
	}
	sortOps(ops)
	return Update{Ops: ops}
}

// Encode serializes the full state deterministically: two replicas holding the
// same operations encode to identical bytes.
func (d *Doc) Encode() []byte {
	encoded, _ := EncodeUpdate(d.Snapshot())
	return encoded
}

func (d *Doc) StateVector() StateVector {
	sv := make(StateVector)
	for id := range d.ops {
		if _, ok := sv[id.Origin]; ok {
			continue
		}
		var clock uint64
		for {
			if _, ok := d.ops[OpID{Origin: id.Origin, Clock: clock + 1}]; !ok {
				break
			}
			clock++
		}
		sv[id.Origin] = clock
	}
	return sv
}

// Covers reports whether the replica holds everything sv describes.
func (d *Doc) Covers(sv StateVector) bool {
	own := d.StateVector()
	for origin, clock := range sv {
		if clock > own[origin] {
			return false
		}
	}
	return true
}

// Diff returns the operations a replica with state vector sv has not seen.
func (d *Doc) Diff(sv StateVector) Update {
	var ops []Op
	for id, data := range d.ops {
		if id.Clock > sv[id.Origin] {
			ops = append(ops, Op{Origin: id.Origin, Clock: id.Clock, Data: data})
		}
	}
	sortOps(ops)
	return Update{Ops: ops}
}

func EncodeUpdate(u Update) ([]byte, error) {
	if u.Ops == nil {
		u.Ops = []Op{}
	}
	encoded, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return encoded, nil
}

func DecodeUpdate(raw []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, op := range u.Ops {
		if op.Origin == "" || op.Clock == 0 {
			return Update{}, fmt.Errorf("%w: operation without origin or clock", ErrMalformed)
		}
	}
	return u, nil
}

// Merge returns the encoded union of two encoded snapshots.
func Merge(a, b []byte) ([]byte, error) {
	doc, err := Load(a)
	if err != nil {
		return nil, err
	}
	other, err := Load(b)
	if err != nil {
		return nil, err
	}
	doc.Apply(other.Snapshot())
	return doc.Encode(), nil
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Origin != ops[j].Origin {
			return ops[i].Origin < ops[j].Origin
		}
		return ops[i].Clock < ops[j].Clock
	})
}
