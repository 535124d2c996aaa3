package cluster

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"ArcPSI/internal/matching"
	"ArcPSI/internal/types"
)

// Message types. Every frame is one type byte followed by a
// zstd-compressed flatbuffer.
const (
	msgRequest byte = 1 // msgRequest carries a ComputationRequest
	msgAck     byte = 2 // msgAck carries a SubmitAck
	msgResult  byte = 3 // msgResult carries a SignedOutput
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(16<<20))
)

// ack is a decoded SubmitAck.
type ack struct {
	id       matching.ComputationID
	accepted bool
	reason   string
}

func frame(kind byte, fb []byte) []byte {
	return encoder.EncodeAll(fb, []byte{kind})
}

func unframe(data []byte, want byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	if data[0] != want {
		return nil, fmt.Errorf("message type %d, want %d", data[0], want)
	}

	fb, err := decoder.DecodeAll(data[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("decompress message:\n%w", err)
	}

	return fb, nil
}

// messageType returns the type byte of a frame, 0 if there is none.
func messageType(data []byte) byte {
	if len(data) == 0 {
		return 0
	}

	return data[0]
}

// recoverDecode turns a flatbuffers accessor panic into an error.
func recoverDecode(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed message: %v", r)
	}
}

func encodeRequest(id matching.ComputationID, circuitID [32]byte, args []matching.Argument) []byte {
	builder := flatbuffers.NewBuilder(1024)

	argOffs := make([]flatbuffers.UOffsetT, len(args))
	for i, a := range args {
		dataOff := builder.CreateByteVector(a.Data)

		types.ArgumentStart(builder)
		types.ArgumentAddKind(builder, byte(a.Kind))
		types.ArgumentAddData(builder, dataOff)
		argOffs[i] = types.ArgumentEnd(builder)
	}

	types.ComputationRequestStartArgsVector(builder, len(argOffs))
	for i := len(argOffs) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(argOffs[i])
	}
	argsOff := builder.EndVector(len(argOffs))

	idOff := builder.CreateString(string(id))
	circuitOff := builder.CreateByteVector(circuitID[:])

	types.ComputationRequestStart(builder)
	types.ComputationRequestAddId(builder, idOff)
	types.ComputationRequestAddCircuitId(builder, circuitOff)
	types.ComputationRequestAddArgs(builder, argsOff)
	builder.Finish(types.ComputationRequestEnd(builder))

	return frame(msgRequest, builder.FinishedBytes())
}

func decodeRequest(data []byte) (id matching.ComputationID, circuitID [32]byte, args []matching.Argument, err error) {
	fb, err := unframe(data, msgRequest)
	if err != nil {
		return "", circuitID, nil, err
	}

	defer recoverDecode(&err)

	req := types.GetRootAsComputationRequest(fb, 0)

	if req.CircuitIdLength() != len(circuitID) {
		return "", circuitID, nil, fmt.Errorf("circuit ID has %d bytes", req.CircuitIdLength())
	}
	copy(circuitID[:], req.CircuitIdBytes())

	args = make([]matching.Argument, req.ArgsLength())

	var arg types.Argument
	for i := range args {
		if !req.Args(&arg, i) {
			return "", circuitID, nil, fmt.Errorf("argument %d missing", i)
		}

		args[i] = matching.Argument{
			Kind: matching.ArgumentKind(arg.Kind()),
			Data: append([]byte(nil), arg.DataBytes()...),
		}
	}

	return matching.ComputationID(req.Id()), circuitID, args, nil
}

func encodeAck(a ack) []byte {
	builder := flatbuffers.NewBuilder(128)

	idOff := builder.CreateString(string(a.id))
	reasonOff := builder.CreateString(a.reason)

	types.SubmitAckStart(builder)
	types.SubmitAckAddId(builder, idOff)
	types.SubmitAckAddAccepted(builder, a.accepted)
	types.SubmitAckAddReason(builder, reasonOff)
	builder.Finish(types.SubmitAckEnd(builder))

	return frame(msgAck, builder.FinishedBytes())
}

func decodeAck(data []byte) (a ack, err error) {
	fb, err := unframe(data, msgAck)
	if err != nil {
		return a, err
	}

	defer recoverDecode(&err)

	fa := types.GetRootAsSubmitAck(fb, 0)

	return ack{
		id:       matching.ComputationID(fa.Id()),
		accepted: fa.Accepted(),
		reason:   string(fa.Reason()),
	}, nil
}

func encodeResult(out *matching.SignedOutput) []byte {
	builder := flatbuffers.NewBuilder(512)

	idOff := builder.CreateString(string(out.ComputationID))
	clusterOff := builder.CreateByteVector(out.ClusterID[:])
	circuitOff := builder.CreateByteVector(out.CircuitID[:])
	digestOff := builder.CreateByteVector(out.RequestDigest[:])
	slotsOff := builder.CreateByteVector(matching.JoinSlots(out.Slots))
	sigOff := builder.CreateByteVector(out.Signature)
	signersOff := builder.CreateByteVector(out.Signers)

	types.SignedOutputStart(builder)
	types.SignedOutputAddComputationId(builder, idOff)
	types.SignedOutputAddClusterId(builder, clusterOff)
	types.SignedOutputAddCircuitId(builder, circuitOff)
	types.SignedOutputAddRequestDigest(builder, digestOff)
	types.SignedOutputAddSlots(builder, slotsOff)
	types.SignedOutputAddSignature(builder, sigOff)
	types.SignedOutputAddSigners(builder, signersOff)
	builder.Finish(types.SignedOutputEnd(builder))

	return frame(msgResult, builder.FinishedBytes())
}

func decodeResult(data []byte) (out *matching.SignedOutput, err error) {
	fb, err := unframe(data, msgResult)
	if err != nil {
		return nil, err
	}

	defer recoverDecode(&err)

	fo := types.GetRootAsSignedOutput(fb, 0)

	out = &matching.SignedOutput{
		ComputationID: matching.ComputationID(fo.ComputationId()),
		Signature:     append([]byte(nil), fo.SignatureBytes()...),
		Signers:       append([]byte(nil), fo.SignersBytes()...),
	}

	fixed := []struct {
		dst  []byte
		src  []byte
		name string
	}{
		{out.ClusterID[:], fo.ClusterIdBytes(), "cluster ID"},
		{out.CircuitID[:], fo.CircuitIdBytes(), "circuit ID"},
		{out.RequestDigest[:], fo.RequestDigestBytes(), "request digest"},
	}

	for _, f := range fixed {
		if len(f.src) != len(f.dst) {
			return nil, fmt.Errorf("%s has %d bytes", f.name, len(f.src))
		}

		copy(f.dst, f.src)
	}

	if out.Slots, err = matching.SplitSlots(fo.SlotsBytes()); err != nil {
		return nil, err
	}

	return out, nil
}
