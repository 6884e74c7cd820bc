// Copyright (C) 2023 pgd Contributors
// See LICENSE for copying information.

// Package wire defines the peer wire protocol messages (spec §6) and their
// gogo/protobuf-compatible encoding, used both on the cluster/heartbeat
// links and for the equivalent at-rest records (info, biginfo, log
// entries) persisted under each PG's collection.
package wire

import "storj.io/pgd/pkg/objectid"

// QueryType distinguishes the kinds of PG query a primary can send while
// peering (spec §6 "PG query").
type QueryType int32

// Query kinds.
const (
	QueryInfo QueryType = iota
	QueryLog
	QueryMissing
	QueryFullLog
)

// PGQuery is sent primary -> peer while peering.
type PGQuery struct {
	Epoch uint64
	PG    objectid.PGID
	Type  QueryType
}

// Reset implements proto.Message.
func (m *PGQuery) Reset() { *m = PGQuery{} }

// String implements proto.Message.
func (m *PGQuery) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *PGQuery) ProtoMessage() {}

// PGInfo mirrors the per-PG metadata described in spec §3: last-update,
// last-complete, history, and statistics, plus enough identity to route
// the reply.
type PGInfo struct {
	PG             objectid.PGID
	Epoch          uint64
	LastUpdate     objectid.Version
	LastComplete   objectid.Version
	LogTail        objectid.Version
	LogHead        objectid.Version
	LogLength      uint32
	Complete       bool // whether the sender believes its copy is complete
	HistoryEpoch   uint64 // epoch at which this interval started (last-epoch-started)
}

// Reset implements proto.Message.
func (m *PGInfo) Reset() { *m = PGInfo{} }

// String implements proto.Message.
func (m *PGInfo) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *PGInfo) ProtoMessage() {}

// PGNotify is sent peer -> primary carrying the peer's current PGInfo in
// response to a PGQuery (spec §6 "PG notify").
type PGNotify struct {
	From objectid.RequestID // reusing (client,tid)-shaped identity as (node,epoch) is overkill; From.ClientID carries the node id
	Info PGInfo
}

// Reset implements proto.Message.
func (m *PGNotify) Reset() { *m = PGNotify{} }

// String implements proto.Message.
func (m *PGNotify) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *PGNotify) ProtoMessage() {}

// LogEntryWire is the wire/at-rest representation of a pglog.Entry. It is
// kept separate from pglog.Entry so the log package has no serialization
// dependency; pkg/pg's marshaling glue converts between the two.
type LogEntryWire struct {
	Version      objectid.Version
	PriorVersion objectid.Version
	Object       objectid.ID
	Op           int32
	Request      objectid.RequestID
	UserVersion  uint64
	HasRollback  bool
	RollbackData []byte
	RollbackOff  int64
	RollbackLen  int64
	MtimeUnixNs  int64
}

// Reset implements proto.Message.
func (m *LogEntryWire) Reset() { *m = LogEntryWire{} }

// String implements proto.Message.
func (m *LogEntryWire) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *LogEntryWire) ProtoMessage() {}

// PGLog carries a tail...head range of log entries plus a missing set,
// sent in either direction depending on who is pulling from whom (spec §6
// "PG log").
type PGLog struct {
	PG      objectid.PGID
	Entries []LogEntryWire
	Missing []MissingEntry
}

// Reset implements proto.Message.
func (m *PGLog) Reset() { *m = PGLog{} }

// String implements proto.Message.
func (m *PGLog) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *PGLog) ProtoMessage() {}

// MissingEntry is one entry of a PG's missing set (spec §3 "Missing set").
type MissingEntry struct {
	Object      objectid.ID
	Need        objectid.Version
	Source      string // node id believed to hold Need, "" if unknown
}

// SubOpWrite is a primary-issued transaction piece sent to a replica
// (spec §6 "Sub-op write").
type SubOpWrite struct {
	Epoch   uint64
	PG      objectid.PGID
	Version objectid.Version
	Request objectid.RequestID
	Tx      TransactionWire
}

// Reset implements proto.Message.
func (m *SubOpWrite) Reset() { *m = SubOpWrite{} }

// String implements proto.Message.
func (m *SubOpWrite) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *SubOpWrite) ProtoMessage() {}

// SubOpAck is a replica's durable-commit acknowledgement (spec §6
// "Sub-op ack").
type SubOpAck struct {
	Epoch   uint64
	PG      objectid.PGID
	Version objectid.Version
	OK      bool
	Err     string
}

// Reset implements proto.Message.
func (m *SubOpAck) Reset() { *m = SubOpAck{} }

// String implements proto.Message.
func (m *SubOpAck) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *SubOpAck) ProtoMessage() {}

// TxPrimitiveKind enumerates the object-store transaction primitives
// (spec §6 "Object store contract").
type TxPrimitiveKind int32

// Transaction primitive kinds.
const (
	TxCreate TxPrimitiveKind = iota
	TxRemove
	TxWrite
	TxTruncate
	TxZeroRange
	TxCloneRange
	TxSetXattr
	TxOmapSet
	TxOmapRemove
	TxOmapRangeRemove
)

// TxPrimitive is one operation within a Transaction.
type TxPrimitive struct {
	Kind   TxPrimitiveKind
	Offset int64
	Data   []byte
	Key    string // xattr/omap key, when applicable
}

// TransactionWire is the wire form of an object-store transaction: an
// ordered list of primitives applying atomically (spec §6).
type TransactionWire struct {
	Object     objectid.ID
	Primitives []TxPrimitive
}

// PullPush carries an object's full content plus recovery metadata between
// acting members during log-based recovery (spec §6 "Pull / push").
type PullPush struct {
	Object     objectid.ID
	Version    objectid.Version
	Data       []byte
	Xattrs     map[string][]byte
	IsEC       bool
	ShardIndex int32
}

// Reset implements proto.Message.
func (m *PullPush) Reset() { *m = PullPush{} }

// String implements proto.Message.
func (m *PullPush) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *PullPush) ProtoMessage() {}

// BackfillProgress reports pointer advancement during backfill (spec §6
// "Backfill progress").
type BackfillProgress struct {
	PG        objectid.PGID
	Pointer   objectid.ID
	ObjectsOK uint64
	Done      bool
}

// Reset implements proto.Message.
func (m *BackfillProgress) Reset() { *m = BackfillProgress{} }

// String implements proto.Message.
func (m *BackfillProgress) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *BackfillProgress) ProtoMessage() {}

// Ping is a heartbeat probe sent on either the front or back network link
// (spec §6 "Ping / pong", §4.1 "Heartbeat").
type Ping struct {
	Partner string
	Stamp   int64 // unix nanos, set by the sender's clock
	Link    string // "front" or "back"
}

// Reset implements proto.Message.
func (m *Ping) Reset() { *m = Ping{} }

// String implements proto.Message.
func (m *Ping) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *Ping) ProtoMessage() {}

// Pong answers a Ping, echoing its stamp so the sender can compute RTT.
type Pong struct {
	Partner string
	Stamp   int64
	Link    string
}

// Reset implements proto.Message.
func (m *Pong) Reset() { *m = Pong{} }

// String implements proto.Message.
func (m *Pong) String() string { return protoString(m) }

// ProtoMessage implements proto.Message.
func (m *Pong) ProtoMessage() {}
