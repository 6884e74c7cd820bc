// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/gogo/protobuf/proto"
	"github.com/zeebo/errs"

	"storj.io/pgd/pkg/objectid"
)

// Error is the error class for wire (de)serialization failures.
var Error = errs.Class("pgd/wire")

// byteMarshaler is implemented by message types with a hand-written
// gogo/protobuf-style encoding (field-by-field via proto.Buffer); every
// message type declared in this package implements it.
type byteMarshaler interface {
	Marshal() ([]byte, error)
}

type byteUnmarshaler interface {
	Unmarshal([]byte) error
}

// Marshal encodes a message for the wire or for at-rest persistence under
// a PG's collection keys (spec §6 "On-disk layout"). Messages with a
// hand-written Marshal method (every message type in this package) use the
// gogo/protobuf varint/length-delimited primitives directly, matching the
// teacher's pkg/pb generated types; any other proto.Message is encoded
// with encoding/gob.
func Marshal(m proto.Message) ([]byte, error) {
	if bm, ok := m.(byteMarshaler); ok {
		b, err := bm.Marshal()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return b, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal into m.
func Unmarshal(b []byte, m proto.Message) error {
	if bu, ok := m.(byteUnmarshaler); ok {
		if err := bu.Unmarshal(b); err != nil {
			return Error.Wrap(err)
		}
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(m); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func protoString(m proto.Message) string {
	return fmt.Sprintf("%T%+v", m, m)
}

// --- gogo/protobuf-style manual encoding for every message type ---
//
// These build on the same proto.Buffer varint and length-delimited
// primitives protoc-gen-gogofaster output uses, but write fields
// positionally in a fixed order with no field tags, and each Unmarshal
// reads them back in that same order. They are hand-maintained
// here rather than generated since pgd has no .proto source of truth to
// regenerate from. Go forbids methods on types declared in another
// package, so the helpers below operate on objectid values via free
// functions rather than methods.

func marshalVersion(buf *proto.Buffer, v objectid.Version) error {
	if err := buf.EncodeVarint(v.Epoch); err != nil {
		return err
	}
	return buf.EncodeVarint(v.Counter)
}

func unmarshalVersion(buf *proto.Buffer) (objectid.Version, error) {
	epoch, err := buf.DecodeVarint()
	if err != nil {
		return objectid.Version{}, err
	}
	counter, err := buf.DecodeVarint()
	if err != nil {
		return objectid.Version{}, err
	}
	return objectid.Version{Epoch: epoch, Counter: counter}, nil
}

func marshalID(buf *proto.Buffer, id objectid.ID) error {
	if err := buf.EncodeVarint(uint64(id.PoolID)); err != nil {
		return err
	}
	if err := buf.EncodeRawBytes(id.Name); err != nil {
		return err
	}
	if err := buf.EncodeRawBytes(id.Key); err != nil {
		return err
	}
	if err := buf.EncodeRawBytes(id.Namespace); err != nil {
		return err
	}
	if err := buf.EncodeVarint(uint64(id.Snapshot)); err != nil {
		return err
	}
	return buf.EncodeVarint(uint64(id.Hash))
}

func unmarshalID(buf *proto.Buffer) (objectid.ID, error) {
	pool, err := buf.DecodeVarint()
	if err != nil {
		return objectid.ID{}, err
	}
	name, err := buf.DecodeRawBytes(true)
	if err != nil {
		return objectid.ID{}, err
	}
	key, err := buf.DecodeRawBytes(true)
	if err != nil {
		return objectid.ID{}, err
	}
	ns, err := buf.DecodeRawBytes(true)
	if err != nil {
		return objectid.ID{}, err
	}
	snap, err := buf.DecodeVarint()
	if err != nil {
		return objectid.ID{}, err
	}
	hash, err := buf.DecodeVarint()
	if err != nil {
		return objectid.ID{}, err
	}
	return objectid.ID{
		PoolID:    int64(pool),
		Name:      cloneBytes(name),
		Key:       cloneBytes(key),
		Namespace: cloneBytes(ns),
		Snapshot:  int64(snap),
		Hash:      uint32(hash),
	}, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func marshalPGID(buf *proto.Buffer, pg objectid.PGID) error {
	if err := buf.EncodeVarint(uint64(pg.PoolID)); err != nil {
		return err
	}
	if err := buf.EncodeVarint(uint64(pg.Seq)); err != nil {
		return err
	}
	return buf.EncodeVarint(uint64(uint32(pg.Shard)))
}

func unmarshalPGID(buf *proto.Buffer) (objectid.PGID, error) {
	pool, err := buf.DecodeVarint()
	if err != nil {
		return objectid.PGID{}, err
	}
	seq, err := buf.DecodeVarint()
	if err != nil {
		return objectid.PGID{}, err
	}
	shard, err := buf.DecodeVarint()
	if err != nil {
		return objectid.PGID{}, err
	}
	return objectid.PGID{PoolID: int64(pool), Seq: uint32(seq), Shard: int32(shard)}, nil
}

func marshalRequestID(buf *proto.Buffer, r objectid.RequestID) error {
	if err := buf.EncodeRawBytes([]byte(r.ClientID)); err != nil {
		return err
	}
	return buf.EncodeVarint(r.Tid)
}

func unmarshalRequestID(buf *proto.Buffer) (objectid.RequestID, error) {
	clientID, err := buf.DecodeRawBytes(true)
	if err != nil {
		return objectid.RequestID{}, err
	}
	tid, err := buf.DecodeVarint()
	if err != nil {
		return objectid.RequestID{}, err
	}
	return objectid.RequestID{ClientID: string(clientID), Tid: tid}, nil
}

func marshalTxPrimitive(buf *proto.Buffer, p TxPrimitive) error {
	if err := buf.EncodeVarint(uint64(p.Kind)); err != nil {
		return err
	}
	if err := buf.EncodeVarint(uint64(p.Offset)); err != nil {
		return err
	}
	if err := buf.EncodeRawBytes(p.Data); err != nil {
		return err
	}
	return buf.EncodeRawBytes([]byte(p.Key))
}

func unmarshalTxPrimitive(buf *proto.Buffer) (TxPrimitive, error) {
	kind, err := buf.DecodeVarint()
	if err != nil {
		return TxPrimitive{}, err
	}
	offset, err := buf.DecodeVarint()
	if err != nil {
		return TxPrimitive{}, err
	}
	data, err := buf.DecodeRawBytes(true)
	if err != nil {
		return TxPrimitive{}, err
	}
	key, err := buf.DecodeRawBytes(true)
	if err != nil {
		return TxPrimitive{}, err
	}
	return TxPrimitive{
		Kind:   TxPrimitiveKind(kind),
		Offset: int64(offset),
		Data:   cloneBytes(data),
		Key:    string(key),
	}, nil
}

func marshalTransactionWire(buf *proto.Buffer, tx TransactionWire) error {
	if err := marshalID(buf, tx.Object); err != nil {
		return err
	}
	if err := buf.EncodeVarint(uint64(len(tx.Primitives))); err != nil {
		return err
	}
	for _, p := range tx.Primitives {
		if err := marshalTxPrimitive(buf, p); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalTransactionWire(buf *proto.Buffer) (TransactionWire, error) {
	obj, err := unmarshalID(buf)
	if err != nil {
		return TransactionWire{}, err
	}
	n, err := buf.DecodeVarint()
	if err != nil {
		return TransactionWire{}, err
	}
	prims := make([]TxPrimitive, 0, n)
	for i := uint64(0); i < n; i++ {
		p, err := unmarshalTxPrimitive(buf)
		if err != nil {
			return TransactionWire{}, err
		}
		prims = append(prims, p)
	}
	return TransactionWire{Object: obj, Primitives: prims}, nil
}

func marshalMissingEntry(buf *proto.Buffer, e MissingEntry) error {
	if err := marshalID(buf, e.Object); err != nil {
		return err
	}
	if err := marshalVersion(buf, e.Need); err != nil {
		return err
	}
	return buf.EncodeRawBytes([]byte(e.Source))
}

func unmarshalMissingEntry(buf *proto.Buffer) (MissingEntry, error) {
	obj, err := unmarshalID(buf)
	if err != nil {
		return MissingEntry{}, err
	}
	need, err := unmarshalVersion(buf)
	if err != nil {
		return MissingEntry{}, err
	}
	source, err := buf.DecodeRawBytes(true)
	if err != nil {
		return MissingEntry{}, err
	}
	return MissingEntry{Object: obj, Need: need, Source: string(source)}, nil
}

func marshalLogEntryBody(buf *proto.Buffer, e LogEntryWire) error {
	b, err := e.Marshal()
	if err != nil {
		return err
	}
	return buf.EncodeRawBytes(b)
}

func unmarshalLogEntryBody(buf *proto.Buffer) (LogEntryWire, error) {
	b, err := buf.DecodeRawBytes(true)
	if err != nil {
		return LogEntryWire{}, err
	}
	var e LogEntryWire
	if err := e.Unmarshal(b); err != nil {
		return LogEntryWire{}, err
	}
	return e, nil
}

func encodeBool(buf *proto.Buffer, b bool) error {
	v := uint64(0)
	if b {
		v = 1
	}
	return buf.EncodeVarint(v)
}

func decodeBool(buf *proto.Buffer) (bool, error) {
	v, err := buf.DecodeVarint()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *PGQuery) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(m.Epoch); err != nil {
		return nil, err
	}
	if err := marshalPGID(buf, m.PG); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(m.Type)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *PGQuery) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.Epoch, err = buf.DecodeVarint(); err != nil {
		return err
	}
	if m.PG, err = unmarshalPGID(buf); err != nil {
		return err
	}
	typ, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.Type = QueryType(typ)
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *PGNotify) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := marshalRequestID(buf, m.From); err != nil {
		return nil, err
	}
	info, err := m.Info.Marshal()
	if err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *PGNotify) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.From, err = unmarshalRequestID(buf); err != nil {
		return err
	}
	info, err := buf.DecodeRawBytes(true)
	if err != nil {
		return err
	}
	return m.Info.Unmarshal(info)
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *PGLog) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := marshalPGID(buf, m.PG); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(len(m.Entries))); err != nil {
		return nil, err
	}
	for _, e := range m.Entries {
		if err := marshalLogEntryBody(buf, e); err != nil {
			return nil, err
		}
	}
	if err := buf.EncodeVarint(uint64(len(m.Missing))); err != nil {
		return nil, err
	}
	for _, e := range m.Missing {
		if err := marshalMissingEntry(buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *PGLog) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.PG, err = unmarshalPGID(buf); err != nil {
		return err
	}
	nEntries, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.Entries = make([]LogEntryWire, 0, nEntries)
	for i := uint64(0); i < nEntries; i++ {
		e, err := unmarshalLogEntryBody(buf)
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, e)
	}
	nMissing, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.Missing = make([]MissingEntry, 0, nMissing)
	for i := uint64(0); i < nMissing; i++ {
		e, err := unmarshalMissingEntry(buf)
		if err != nil {
			return err
		}
		m.Missing = append(m.Missing, e)
	}
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *SubOpWrite) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(m.Epoch); err != nil {
		return nil, err
	}
	if err := marshalPGID(buf, m.PG); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.Version); err != nil {
		return nil, err
	}
	if err := marshalRequestID(buf, m.Request); err != nil {
		return nil, err
	}
	if err := marshalTransactionWire(buf, m.Tx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *SubOpWrite) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.Epoch, err = buf.DecodeVarint(); err != nil {
		return err
	}
	if m.PG, err = unmarshalPGID(buf); err != nil {
		return err
	}
	if m.Version, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.Request, err = unmarshalRequestID(buf); err != nil {
		return err
	}
	m.Tx, err = unmarshalTransactionWire(buf)
	return err
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *SubOpAck) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(m.Epoch); err != nil {
		return nil, err
	}
	if err := marshalPGID(buf, m.PG); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.Version); err != nil {
		return nil, err
	}
	if err := encodeBool(buf, m.OK); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes([]byte(m.Err)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *SubOpAck) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.Epoch, err = buf.DecodeVarint(); err != nil {
		return err
	}
	if m.PG, err = unmarshalPGID(buf); err != nil {
		return err
	}
	if m.Version, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.OK, err = decodeBool(buf); err != nil {
		return err
	}
	errStr, err := buf.DecodeRawBytes(true)
	if err != nil {
		return err
	}
	m.Err = string(errStr)
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *PullPush) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := marshalID(buf, m.Object); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.Version); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(m.Data); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(len(m.Xattrs))); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m.Xattrs))
	for k := range m.Xattrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := buf.EncodeRawBytes([]byte(k)); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(m.Xattrs[k]); err != nil {
			return nil, err
		}
	}
	if err := encodeBool(buf, m.IsEC); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(uint32(m.ShardIndex))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *PullPush) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.Object, err = unmarshalID(buf); err != nil {
		return err
	}
	if m.Version, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.Data, err = buf.DecodeRawBytes(true); err != nil {
		return err
	}
	m.Data = cloneBytes(m.Data)
	n, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	if n > 0 {
		m.Xattrs = make(map[string][]byte, n)
	}
	for i := uint64(0); i < n; i++ {
		k, err := buf.DecodeRawBytes(true)
		if err != nil {
			return err
		}
		v, err := buf.DecodeRawBytes(true)
		if err != nil {
			return err
		}
		m.Xattrs[string(k)] = cloneBytes(v)
	}
	if m.IsEC, err = decodeBool(buf); err != nil {
		return err
	}
	shard, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.ShardIndex = int32(shard)
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *BackfillProgress) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := marshalPGID(buf, m.PG); err != nil {
		return nil, err
	}
	if err := marshalID(buf, m.Pointer); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(m.ObjectsOK); err != nil {
		return nil, err
	}
	if err := encodeBool(buf, m.Done); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *BackfillProgress) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.PG, err = unmarshalPGID(buf); err != nil {
		return err
	}
	if m.Pointer, err = unmarshalID(buf); err != nil {
		return err
	}
	if m.ObjectsOK, err = buf.DecodeVarint(); err != nil {
		return err
	}
	if m.Done, err = decodeBool(buf); err != nil {
		return err
	}
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *Ping) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeRawBytes([]byte(m.Partner)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(m.Stamp)); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes([]byte(m.Link)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *Ping) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	partner, err := buf.DecodeRawBytes(true)
	if err != nil {
		return err
	}
	m.Partner = string(partner)
	stamp, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.Stamp = int64(stamp)
	link, err := buf.DecodeRawBytes(true)
	if err != nil {
		return err
	}
	m.Link = string(link)
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *Pong) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeRawBytes([]byte(m.Partner)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(m.Stamp)); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes([]byte(m.Link)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *Pong) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	partner, err := buf.DecodeRawBytes(true)
	if err != nil {
		return err
	}
	m.Partner = string(partner)
	stamp, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.Stamp = int64(stamp)
	link, err := buf.DecodeRawBytes(true)
	if err != nil {
		return err
	}
	m.Link = string(link)
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *PGInfo) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := marshalPGID(buf, m.PG); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(m.Epoch); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.LastUpdate); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.LastComplete); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.LogTail); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.LogHead); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(m.LogLength)); err != nil {
		return nil, err
	}
	complete := uint64(0)
	if m.Complete {
		complete = 1
	}
	if err := buf.EncodeVarint(complete); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(m.HistoryEpoch); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *PGInfo) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.PG, err = unmarshalPGID(buf); err != nil {
		return err
	}
	if m.Epoch, err = buf.DecodeVarint(); err != nil {
		return err
	}
	if m.LastUpdate, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.LastComplete, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.LogTail, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.LogHead, err = unmarshalVersion(buf); err != nil {
		return err
	}
	logLen, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.LogLength = uint32(logLen)
	complete, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.Complete = complete != 0
	if m.HistoryEpoch, err = buf.DecodeVarint(); err != nil {
		return err
	}
	return nil
}

// Marshal encodes m in the gogo/protobuf buffer style.
func (m *LogEntryWire) Marshal() ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := marshalVersion(buf, m.Version); err != nil {
		return nil, err
	}
	if err := marshalVersion(buf, m.PriorVersion); err != nil {
		return nil, err
	}
	if err := marshalID(buf, m.Object); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(m.Op)); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes([]byte(m.Request.ClientID)); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(m.Request.Tid); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(m.UserVersion); err != nil {
		return nil, err
	}
	hasRollback := uint64(0)
	if m.HasRollback {
		hasRollback = 1
	}
	if err := buf.EncodeVarint(hasRollback); err != nil {
		return nil, err
	}
	if m.HasRollback {
		if err := buf.EncodeRawBytes(m.RollbackData); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(m.RollbackOff)); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(m.RollbackLen)); err != nil {
			return nil, err
		}
	}
	if err := buf.EncodeVarint(uint64(m.MtimeUnixNs)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bytes produced by Marshal.
func (m *LogEntryWire) Unmarshal(data []byte) error {
	buf := proto.NewBuffer(data)
	var err error
	if m.Version, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.PriorVersion, err = unmarshalVersion(buf); err != nil {
		return err
	}
	if m.Object, err = unmarshalID(buf); err != nil {
		return err
	}
	op, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.Op = int32(op)
	clientID, err := buf.DecodeRawBytes(true)
	if err != nil {
		return err
	}
	m.Request.ClientID = string(clientID)
	if m.Request.Tid, err = buf.DecodeVarint(); err != nil {
		return err
	}
	if m.UserVersion, err = buf.DecodeVarint(); err != nil {
		return err
	}
	hasRollback, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.HasRollback = hasRollback != 0
	if m.HasRollback {
		if m.RollbackData, err = buf.DecodeRawBytes(true); err != nil {
			return err
		}
		off, err := buf.DecodeVarint()
		if err != nil {
			return err
		}
		m.RollbackOff = int64(off)
		length, err := buf.DecodeVarint()
		if err != nil {
			return err
		}
		m.RollbackLen = int64(length)
	}
	mtime, err := buf.DecodeVarint()
	if err != nil {
		return err
	}
	m.MtimeUnixNs = int64(mtime)
	return nil
}
