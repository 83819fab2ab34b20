// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package record

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"
)

// EncodeMsg writes r as a MessagePack array in field-declaration order. This
// is a supplementary, denser wire form for operators who persist drained
// records to disk; the text line produced by Encode remains the format the
// host-language orchestrator reads off the Sample Channel itself.
func (r Record) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(9); err != nil {
		return err
	}
	if err := w.WriteUint8(uint8(r.Action)); err != nil {
		return err
	}
	if err := w.WriteUint64(r.Seq); err != nil {
		return err
	}
	if err := w.WriteUint64(r.Size); err != nil {
		return err
	}
	if err := w.WriteFloat64(r.PythonFraction); err != nil {
		return err
	}
	if err := w.WriteInt(r.PID); err != nil {
		return err
	}
	if err := w.WriteUint64(uint64(r.Pointer)); err != nil {
		return err
	}
	if err := w.WriteString(r.File); err != nil {
		return err
	}
	if err := w.WriteInt(r.Line); err != nil {
		return err
	}
	return w.WriteInt(r.ByteIndex)
}

// DecodeMsg reads a Record back from its MessagePack array form.
func (r *Record) DecodeMsg(reader *msgp.Reader) error {
	n, err := reader.ReadArrayHeader()
	if err != nil {
		return err
	}
	if n != 9 {
		return errArrayLen(n)
	}
	b, err := reader.ReadUint8()
	if err != nil {
		return err
	}
	r.Action = Action(b)
	if r.Seq, err = reader.ReadUint64(); err != nil {
		return err
	}
	if r.Size, err = reader.ReadUint64(); err != nil {
		return err
	}
	if r.PythonFraction, err = reader.ReadFloat64(); err != nil {
		return err
	}
	if r.PID, err = reader.ReadInt(); err != nil {
		return err
	}
	ptr, err := reader.ReadUint64()
	if err != nil {
		return err
	}
	r.Pointer = uintptr(ptr)
	if r.File, err = reader.ReadString(); err != nil {
		return err
	}
	if r.Line, err = reader.ReadInt(); err != nil {
		return err
	}
	r.ByteIndex, err = reader.ReadInt()
	return err
}

type errArrayLen uint32

func (e errArrayLen) Error() string {
	return "record: unexpected msgpack array length"
}

// MarshalBinary implements encoding.BinaryMarshaler via the msgp codec,
// appending to a fresh buffer.
func (r Record) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := r.EncodeMsg(w); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler via the msgp codec.
func (r *Record) UnmarshalBinary(data []byte) error {
	reader := msgp.NewReader(bytes.NewReader(data))
	return r.DecodeMsg(reader)
}
