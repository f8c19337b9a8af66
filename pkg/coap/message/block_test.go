package message

import (
	"errors"
	"testing"
)

func TestBlockSizeForEverySZX(t *testing.T) {
	for szx := uint8(0); szx <= MaxSZX; szx++ {
		for _, more := range []bool{false, true} {
			in := Block{Num: 1234, More: more, SZX: szx}
			out, err := DecodeBlock(EncodeBlock(in))
			if err != nil {
				t.Fatalf("szx %d: %v", szx, err)
			}
			if out != in {
				t.Errorf("szx %d: got %v want %v", szx, out, in)
			}
			if out.Size() != 1<<(szx+4) {
				t.Errorf("szx %d: size %d", szx, out.Size())
			}
		}
	}
}

func TestBlockKnownValues(t *testing.T) {
	b := Block{Num: 39, More: false, SZX: 1}
	if v := EncodeBlock(b); v != 39<<4|1 {
		t.Errorf("encode = %d", v)
	}
	b2, _ := DecodeBlock(0x0A) // num=0 more=1 szx=2
	if b2.Num != 0 || !b2.More || b2.Size() != 64 {
		t.Errorf("decode 0x0A = %v", b2)
	}
	if b2.Offset() != 0 || (Block{Num: 3, SZX: 2}).Offset() != 192 {
		t.Error("offset mismatch")
	}
	if _, err := DecodeBlock(0x07); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("szx 7 should be rejected, err = %v", err)
	}
}

func TestSZXFromSize(t *testing.T) {
	for size, want := range map[int]uint8{16: 0, 32: 1, 64: 2, 128: 3, 256: 4, 512: 5, 1024: 6} {
		got, err := SZXFromSize(size)
		if err != nil || got != want {
			t.Errorf("SZXFromSize(%d) = %d, %v", size, got, err)
		}
	}
	for _, size := range []int{0, 8, 48, 2048} {
		if _, err := SZXFromSize(size); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("SZXFromSize(%d) should fail", size)
		}
	}
}

func TestMessageBlock2Helpers(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET}
	if _, ok := m.Block2(); ok {
		t.Fatal("no block2 expected")
	}
	m.SetBlock2(Block{Num: 5, More: true, SZX: 6})
	b, ok := m.Block2()
	if !ok || b.Num != 5 || !b.More || b.Size() != 1024 {
		t.Errorf("block2 = %v %v", b, ok)
	}
}
