package namerec

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/spacedatanetwork/sdn-namesys/internal/schema/NRC"
)

// minRecordSize covers the size prefix, the root table offset, and the
// file identifier.
const minRecordSize = flatbuffers.SizeUint32 + flatbuffers.SizeUOffsetT + 4

// Marshal encodes rec as a size-prefixed NRC FlatBuffer.
func Marshal(rec *Record) ([]byte, error) {
	builder := flatbuffers.NewBuilder(256)

	valueOffset := builder.CreateString(rec.Value)
	validityOffset := builder.CreateString(rec.validityString())
	sigOffset := builder.CreateByteVector(rec.Signature)
	var pubOffset flatbuffers.UOffsetT
	if len(rec.PublicKey) > 0 {
		pubOffset = builder.CreateByteVector(rec.PublicKey)
	}

	NRC.NRCStart(builder)
	NRC.NRCAddVALUE(builder, valueOffset)
	NRC.NRCAddSEQUENCE(builder, rec.Sequence)
	NRC.NRCAddVALIDITY(builder, validityOffset)
	NRC.NRCAddVALIDITY_TYPE(builder, rec.ValidityType)
	NRC.NRCAddSIGNATURE(builder, sigOffset)
	if pubOffset != 0 {
		NRC.NRCAddPUBLIC_KEY(builder, pubOffset)
	}
	nrc := NRC.NRCEnd(builder)
	NRC.FinishSizePrefixedNRCBuffer(builder, nrc)

	data := make([]byte, len(builder.FinishedBytes()))
	copy(data, builder.FinishedBytes())
	if len(data) > MaxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes", len(data))
	}
	return data, nil
}

// Unmarshal decodes a size-prefixed NRC FlatBuffer. The returned record
// does not alias data.
func Unmarshal(data []byte) (rec *Record, err error) {
	// FlatBuffers accessors panic rather than error on corrupt offsets.
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, fmt.Errorf("%w: truncated buffer", ErrMalformedRecord)
		}
	}()

	if len(data) < minRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedRecord, len(data))
	}
	if len(data) > MaxRecordSize {
		return nil, fmt.Errorf("%w: record exceeds %d bytes", ErrMalformedRecord, MaxRecordSize)
	}
	if int(flatbuffers.GetSizePrefix(data, 0)) != len(data)-flatbuffers.SizeUint32 {
		return nil, fmt.Errorf("%w: size prefix mismatch", ErrMalformedRecord)
	}
	if !NRC.SizePrefixedNRCBufferHasIdentifier(data) {
		return nil, fmt.Errorf("%w: bad file identifier", ErrMalformedRecord)
	}

	root := NRC.GetSizePrefixedRootAsNRC(data, 0)

	value := root.VALUE()
	validity := root.VALIDITY()
	sig := root.SIGNATUREBytes()
	if value == nil || len(validity) == 0 || len(sig) == 0 {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedRecord)
	}

	eol, err := time.Parse(time.RFC3339Nano, string(validity))
	if err != nil {
		return nil, fmt.Errorf("%w: validity: %v", ErrMalformedRecord, err)
	}

	rec = &Record{
		Value:        string(value),
		Sequence:     root.SEQUENCE(),
		Validity:     eol,
		ValidityType: root.VALIDITY_TYPE(),
		Signature:    append([]byte(nil), sig...),
		validityRaw:  string(validity),
	}
	if pk := root.PUBLIC_KEYBytes(); len(pk) > 0 {
		rec.PublicKey = append([]byte(nil), pk...)
	}
	return rec, nil
}
