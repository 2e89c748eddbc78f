// Package protocol implements the gossip sync wire envelope: a tagged
// MessagePack map encoded and decoded with tinylib/msgp's low-level
// Append*/Read*Bytes helpers rather than a code-generated codec. Every
// envelope carries a "v" variant tag; unrecognized map keys are skipped
// during decode and an unrecognized variant tag is reported to the caller
// to log and drop, giving forward/backward wire compatibility.
package protocol

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"github.com/ahenk-go/syncd/internal/hlc"
	"github.com/ahenk-go/syncd/internal/oplog"
	"github.com/ahenk-go/syncd/internal/syncerr"
)

// Variant tags the envelope's payload kind.
type Variant uint8

const (
	VariantAnnounce     Variant = 1
	VariantRequestSync  Variant = 2
	VariantOpBatch      Variant = 3
	VariantHeartbeat    Variant = 4
	VariantAck          Variant = 5
)

// Announce carries presence of a device on the network.
type Announce struct {
	UserID       string
	DeviceID     string
	PeerIdentity string
}

// RequestSync asks the peer for every operation after SinceTimestamp.
type RequestSync struct {
	UserID         string
	SinceTimestamp hlc.HLC
}

// OpBatch carries a batch of operations being pushed to a peer.
type OpBatch struct {
	Ops []oplog.Operation
}

// Heartbeat signals liveness and the sender's current clock.
type Heartbeat struct {
	DeviceID string
	HLC      hlc.HLC
}

// Ack acknowledges the highest operation ingested from a batch.
type Ack struct {
	HighestOpID string
	HighestHLC  hlc.HLC
}

// Marshal encodes msg (one of Announce, RequestSync, OpBatch, Heartbeat,
// Ack) into its wire form.
func Marshal(msg any) ([]byte, error) {
	var b []byte
	switch m := msg.(type) {
	case Announce:
		b = msgp.AppendMapHeader(b, 4)
		b = appendKey(b, "v")
		b = msgp.AppendUint8(b, uint8(VariantAnnounce))
		b = appendKey(b, "user_id")
		b = msgp.AppendString(b, m.UserID)
		b = appendKey(b, "device_id")
		b = msgp.AppendString(b, m.DeviceID)
		b = appendKey(b, "peer_identity")
		b = msgp.AppendString(b, m.PeerIdentity)

	case RequestSync:
		b = msgp.AppendMapHeader(b, 3)
		b = appendKey(b, "v")
		b = msgp.AppendUint8(b, uint8(VariantRequestSync))
		b = appendKey(b, "user_id")
		b = msgp.AppendString(b, m.UserID)
		b = appendKey(b, "since_timestamp")
		b = msgp.AppendUint64(b, uint64(m.SinceTimestamp))

	case OpBatch:
		b = msgp.AppendMapHeader(b, 2)
		b = appendKey(b, "v")
		b = msgp.AppendUint8(b, uint8(VariantOpBatch))
		b = appendKey(b, "ops")
		b = msgp.AppendArrayHeader(b, uint32(len(m.Ops)))
		for _, op := range m.Ops {
			b = appendOperation(b, op)
		}

	case Heartbeat:
		b = msgp.AppendMapHeader(b, 3)
		b = appendKey(b, "v")
		b = msgp.AppendUint8(b, uint8(VariantHeartbeat))
		b = appendKey(b, "device_id")
		b = msgp.AppendString(b, m.DeviceID)
		b = appendKey(b, "hlc")
		b = msgp.AppendUint64(b, uint64(m.HLC))

	case Ack:
		b = msgp.AppendMapHeader(b, 3)
		b = appendKey(b, "v")
		b = msgp.AppendUint8(b, uint8(VariantAck))
		b = appendKey(b, "highest_op_id")
		b = msgp.AppendString(b, m.HighestOpID)
		b = appendKey(b, "highest_hlc")
		b = msgp.AppendUint64(b, uint64(m.HighestHLC))

	default:
		return nil, syncerr.New(syncerr.KindSerialization, "protocol.Marshal", fmt.Errorf("unsupported message type %T", msg))
	}
	return b, nil
}

func appendKey(b []byte, k string) []byte {
	return msgp.AppendString(b, k)
}

func appendOperation(b []byte, op oplog.Operation) []byte {
	b = msgp.AppendMapHeader(b, 7)
	b = appendKey(b, "id")
	b = msgp.AppendString(b, op.ID)
	b = appendKey(b, "device_id")
	b = msgp.AppendString(b, op.DeviceID)
	b = appendKey(b, "timestamp")
	b = msgp.AppendUint64(b, uint64(op.Timestamp))
	b = appendKey(b, "table")
	b = msgp.AppendString(b, op.Table)
	b = appendKey(b, "row_id")
	b = msgp.AppendString(b, op.RowID)
	b = appendKey(b, "type")
	b = msgp.AppendString(b, string(op.Type))
	b = appendKey(b, "data")
	b = msgp.AppendBytes(b, op.Data)
	return b
}

// Unmarshal decodes b into one of Announce, RequestSync, OpBatch, Heartbeat,
// or Ack. An unrecognized variant tag yields ErrUnknownVariant so the
// caller can log and drop the message instead of failing the connection.
func Unmarshal(b []byte) (any, error) {
	sz, rest, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, syncerr.New(syncerr.KindSerialization, "protocol.Unmarshal", err)
	}

	var (
		variant        Variant
		haveVariant    bool
		userID         string
		deviceID       string
		peerIdentity   string
		sinceTimestamp hlc.HLC
		ops            []oplog.Operation
		hb             hlc.HLC
		highestOpID    string
		highestHLC     hlc.HLC
	)

	for i := uint32(0); i < sz; i++ {
		var key string
		key, rest, err = msgp.ReadStringBytes(rest)
		if err != nil {
			return nil, syncerr.New(syncerr.KindSerialization, "protocol.Unmarshal", err)
		}

		switch key {
		case "v":
			var v uint8
			v, rest, err = msgp.ReadUint8Bytes(rest)
			variant, haveVariant = Variant(v), true
		case "user_id":
			userID, rest, err = msgp.ReadStringBytes(rest)
		case "device_id":
			deviceID, rest, err = msgp.ReadStringBytes(rest)
		case "peer_identity":
			peerIdentity, rest, err = msgp.ReadStringBytes(rest)
		case "since_timestamp":
			var u uint64
			u, rest, err = msgp.ReadUint64Bytes(rest)
			sinceTimestamp = hlc.HLC(u)
		case "ops":
			ops, rest, err = readOperations(rest)
		case "hlc":
			var u uint64
			u, rest, err = msgp.ReadUint64Bytes(rest)
			hb = hlc.HLC(u)
		case "highest_op_id":
			highestOpID, rest, err = msgp.ReadStringBytes(rest)
		case "highest_hlc":
			var u uint64
			u, rest, err = msgp.ReadUint64Bytes(rest)
			highestHLC = hlc.HLC(u)
		default:
			// forward compatibility: skip a field this version doesn't know.
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return nil, syncerr.New(syncerr.KindSerialization, "protocol.Unmarshal", err)
		}
	}

	if !haveVariant {
		return nil, syncerr.New(syncerr.KindSerialization, "protocol.Unmarshal", fmt.Errorf("envelope missing variant tag"))
	}

	switch variant {
	case VariantAnnounce:
		if userID == "" || deviceID == "" || peerIdentity == "" {
			return nil, malformedField("announce", "user_id/device_id/peer_identity")
		}
		return Announce{UserID: userID, DeviceID: deviceID, PeerIdentity: peerIdentity}, nil

	case VariantRequestSync:
		if userID == "" {
			return nil, malformedField("request_sync", "user_id")
		}
		return RequestSync{UserID: userID, SinceTimestamp: sinceTimestamp}, nil

	case VariantOpBatch:
		return OpBatch{Ops: ops}, nil

	case VariantHeartbeat:
		if deviceID == "" {
			return nil, malformedField("heartbeat", "device_id")
		}
		return Heartbeat{DeviceID: deviceID, HLC: hb}, nil

	case VariantAck:
		if highestOpID == "" {
			return nil, malformedField("ack", "highest_op_id")
		}
		return Ack{HighestOpID: highestOpID, HighestHLC: highestHLC}, nil

	default:
		return nil, ErrUnknownVariant{Tag: variant}
	}
}

func readOperations(b []byte) ([]oplog.Operation, []byte, error) {
	sz, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, nil, err
	}
	ops := make([]oplog.Operation, 0, sz)
	for i := uint32(0); i < sz; i++ {
		var op oplog.Operation
		op, rest, err = readOperation(rest)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, op)
	}
	return ops, rest, nil
}

func readOperation(b []byte) (oplog.Operation, []byte, error) {
	sz, rest, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return oplog.Operation{}, nil, err
	}

	var op oplog.Operation
	for i := uint32(0); i < sz; i++ {
		var key string
		key, rest, err = msgp.ReadStringBytes(rest)
		if err != nil {
			return oplog.Operation{}, nil, err
		}
		switch key {
		case "id":
			op.ID, rest, err = msgp.ReadStringBytes(rest)
		case "device_id":
			op.DeviceID, rest, err = msgp.ReadStringBytes(rest)
		case "timestamp":
			var u uint64
			u, rest, err = msgp.ReadUint64Bytes(rest)
			op.Timestamp = hlc.HLC(u)
		case "table":
			op.Table, rest, err = msgp.ReadStringBytes(rest)
		case "row_id":
			op.RowID, rest, err = msgp.ReadStringBytes(rest)
		case "type":
			var t string
			t, rest, err = msgp.ReadStringBytes(rest)
			op.Type = oplog.Type(t)
		case "data":
			var data []byte
			data, rest, err = msgp.ReadBytesBytes(rest, nil)
			if len(data) > 0 {
				op.Data = data
			}
		default:
			rest, err = msgp.Skip(rest)
		}
		if err != nil {
			return oplog.Operation{}, nil, err
		}
	}

	if op.ID == "" {
		return oplog.Operation{}, nil, fmt.Errorf("operation missing id")
	}
	return op, rest, nil
}

func malformedField(variant, fields string) error {
	return syncerr.New(syncerr.KindSerialization, "protocol.Unmarshal",
		fmt.Errorf("%s envelope missing required field(s): %s", variant, fields))
}

// ErrUnknownVariant is returned for a well-formed envelope carrying a
// variant tag this build does not recognize. Callers should log and drop
// the message rather than treat it as a fatal transport error.
type ErrUnknownVariant struct{ Tag Variant }

func (e ErrUnknownVariant) Error() string {
	return fmt.Sprintf("unknown envelope variant tag: %d", e.Tag)
}
