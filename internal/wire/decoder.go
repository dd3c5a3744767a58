package wire

import (
	"bytes"
	"encoding/binary"
)

// compactBuffer reclaims consumed prefix capacity when the buffer has grown
// large relative to its unread bytes. Mirrors the teacher's serial codec
// buffer-compaction helper so long-lived streams fed through Decoder do not
// grow without bound purely from already-consumed garbage.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// Decoder owns a growing byte buffer fed by Append and polled by Next,
// implementing the stream resynchronization algorithm of spec.md §4.3.3.
// Not safe for concurrent use; the reliable channel's receive worker is its
// sole owner.
type Decoder struct {
	codec *Codec
	buf   bytes.Buffer
}

// NewDecoder returns a Decoder that resynchronizes against codec's payload
// ceiling.
func NewDecoder(codec *Codec) *Decoder {
	if codec == nil {
		codec = NewCodec(DefaultMaxPayload)
	}
	return &Decoder{codec: codec}
}

// Append feeds newly-arrived bytes into the resynchronization buffer.
func (d *Decoder) Append(b []byte) {
	d.buf.Write(b)
}

// Buffered reports how many bytes are currently held awaiting a complete frame.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Next attempts to produce the next frame from the buffer.
//
//   - (frame, nil): a valid frame was decoded and removed from the buffer.
//   - (nil, err): a malformed frame was found and discarded up to the next
//     header magic; the caller should count the invalid frame and call
//     Next again immediately — more valid data may already be buffered.
//   - (nil, nil): not enough data is buffered yet; the caller should Append
//     more bytes before calling Next again.
func (d *Decoder) Next() (*Frame, error) {
	compactBuffer(&d.buf)
	data := d.buf.Bytes()

	idx := bytes.Index(data, magicBytes[:])
	if idx < 0 {
		// Discard garbage but keep the trailing byte: it may be the first
		// half of a header magic split across Append calls.
		if d.buf.Len() > 1 {
			last := data[len(data)-1]
			d.buf.Reset()
			_ = d.buf.WriteByte(last)
		}
		return nil, nil
	}
	if idx > 0 {
		d.buf.Next(idx)
		data = d.buf.Bytes()
	}

	if len(data) < headerSize {
		return nil, nil
	}

	length := binary.LittleEndian.Uint16(data[5:7])
	if int(length) > d.codec.maxPayload() {
		d.buf.Next(2) // advance past the header magic, resync
		return nil, ErrLengthOverflow
	}

	need := headerSize + int(length) + trailerSize
	if len(data) < need {
		return nil, nil
	}

	frame, err := d.codec.Decode(data[:need])
	if err != nil {
		d.buf.Next(2) // advance past the header magic, resync
		return nil, err
	}
	d.buf.Next(need)
	return &frame, nil
}
