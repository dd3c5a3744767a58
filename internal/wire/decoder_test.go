package wire

import (
	"testing"
)

func TestDecoder_ChunkedFeed(t *testing.T) {
	codec := NewCodec(DefaultMaxPayload)
	want := []Frame{
		{Kind: KindStart, Sequence: 0, Payload: EncodeStartMetadata(StartMetadata{Version: 1, FileName: "a.bin", FileSize: 10})},
		{Kind: KindData, Sequence: 1, Payload: mkPayload(8)},
		{Kind: KindData, Sequence: 2, Payload: nil},
		{Kind: KindData, Sequence: 3, Payload: mkPayload(DefaultMaxPayload)},
		{Kind: KindEnd, Sequence: 4, Payload: nil},
	}

	var stream []byte
	for _, f := range want {
		stream = append(stream, codec.Encode(f.Kind, f.Sequence, f.Payload)...)
	}

	dec := NewDecoder(codec)
	var got []Frame
	chunkSizes := []int{1, 2, 3, 5, 7, 11, 32}
	cs := 0
	for pos := 0; pos < len(stream); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(stream) {
			n = len(stream) - pos
		}
		dec.Append(stream[pos : pos+n])
		pos += n
		for {
			f, err := dec.Next()
			if f == nil && err == nil {
				break
			}
			if err != nil {
				t.Fatalf("unexpected decode error on clean stream: %v", err)
			}
			got = append(got, *f)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Sequence != want[i].Sequence || string(got[i].Payload) != string(want[i].Payload) {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestDecoder_ResyncAfterGarbageAndCorruption(t *testing.T) {
	codec := NewCodec(DefaultMaxPayload)
	garbage := []byte{0x00, 0x01, 0x02, 0xFF, 0xAA, 0x55, 0x00}
	good := codec.Encode(KindData, 5, []byte("payload"))
	corrupt := codec.Encode(KindData, 6, []byte("corrupted"))
	corrupt[headerSize] ^= 0xFF // flip a payload byte so CRC fails
	tail := codec.Encode(KindData, 7, []byte("after corruption"))

	dec := NewDecoder(codec)
	dec.Append(garbage)
	dec.Append(good)
	dec.Append(corrupt)
	dec.Append(tail)

	var frames []Frame
	var invalid int
	for {
		f, err := dec.Next()
		if f == nil && err == nil {
			break
		}
		if err != nil {
			invalid++
			continue
		}
		frames = append(frames, *f)
	}

	if len(frames) != 2 {
		t.Fatalf("got %d valid frames, want 2 (seq 5 and 7)", len(frames))
	}
	if frames[0].Sequence != 5 || frames[1].Sequence != 7 {
		t.Fatalf("unexpected sequences: %d, %d", frames[0].Sequence, frames[1].Sequence)
	}
	if invalid == 0 {
		t.Fatal("expected at least one invalid-frame resync event")
	}
}

func TestDecoder_WaitsForMoreData(t *testing.T) {
	codec := NewCodec(DefaultMaxPayload)
	dec := NewDecoder(codec)
	full := codec.Encode(KindData, 1, []byte("hello"))
	dec.Append(full[:len(full)-2])
	if f, err := dec.Next(); f != nil || err != nil {
		t.Fatalf("expected (nil, nil) while waiting for more data, got (%v, %v)", f, err)
	}
	dec.Append(full[len(full)-2:])
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f == nil || f.Sequence != 1 {
		t.Fatalf("expected completed frame, got %v", f)
	}
}
