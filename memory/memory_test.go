package memory_test

import (
	"testing"

	"github.com/bobuhiro11/govmx/memory"
)

func TestAllocAligned(t *testing.T) {
	t.Parallel()

	a, err := memory.New(4 * memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	defer a.Close()

	seen := map[uint64]bool{}

	for i := 0; i < 4; i++ {
		p, err := a.Alloc()
		if err != nil {
			t.Fatal(err)
		}

		if !memory.Aligned(p.Phys) {
			t.Fatalf("page %d at %#x is not aligned", i, p.Phys)
		}

		if len(p.Buf) != memory.PageSize {
			t.Fatalf("page %d is %d bytes", i, len(p.Buf))
		}

		if seen[p.Phys] {
			t.Fatalf("page %#x handed out twice", p.Phys)
		}

		seen[p.Phys] = true
	}

	if _, err := a.Alloc(); err == nil {
		t.Fatal("expected exhaustion")
	}

	if a.Used() != 4 {
		t.Fatalf("Used() = %d, want 4", a.Used())
	}
}

func TestFromRegion(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 2*memory.PageSize)
	for i := range buf {
		buf[i] = 0xaa
	}

	a, err := memory.FromRegion(buf, 0x200000)
	if err != nil {
		t.Fatal(err)
	}

	p, err := a.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	if p.Phys != 0x200000 {
		t.Fatalf("phys = %#x", p.Phys)
	}

	for _, b := range p.Buf {
		if b != 0 {
			t.Fatal("Alloc must zero the frame")
		}
	}

	if err := a.PutUint64(0x200008, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}

	v, err := a.Uint64(0x200008)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x1122334455667788 {
		t.Fatalf("Uint64 = %#x", v)
	}

	if _, err := a.Bytes(0x1ff000, 8); err == nil {
		t.Fatal("expected out-of-arena error")
	}

	if _, err := a.Bytes(0x201ffc, 8); err == nil {
		t.Fatal("expected out-of-arena error across the end")
	}
}

func TestFromRegionRejectsMisaligned(t *testing.T) {
	t.Parallel()

	if _, err := memory.FromRegion(make([]byte, memory.PageSize), 0x1010); err == nil {
		t.Fatal("misaligned base accepted")
	}

	if _, err := memory.FromRegion(make([]byte, 100), 0x1000); err == nil {
		t.Fatal("partial page accepted")
	}
}
