package guestmem_test

import (
	"bytes"
	"testing"

	"github.com/nanovisor/sandbox/guestmem"
)

func TestNewLayoutRejectsUndersizedRegion(t *testing.T) {
	if _, err := guestmem.NewLayout(1 << 10); err == nil {
		t.Fatal("expected error for undersized region")
	}
}

func TestLayoutOffsetsAreOrdered(t *testing.T) {
	l, err := guestmem.NewLayout(1 << 25)
	if err != nil {
		t.Fatal(err)
	}

	if l.SharedInputAddr >= l.SharedOutputAddr {
		t.Fatalf("shared input (%#x) must precede shared output (%#x)", l.SharedInputAddr, l.SharedOutputAddr)
	}

	if l.SharedOutputAddr >= l.StackCookieAddr {
		t.Fatalf("shared output (%#x) must precede stack cookie (%#x)", l.SharedOutputAddr, l.StackCookieAddr)
	}

	if l.StackLimit != l.StackCookieAddr+16 {
		t.Fatalf("stack limit (%#x) must sit exactly 16 bytes above the cookie (%#x)", l.StackLimit, l.StackCookieAddr)
	}

	if l.StackBase <= l.StackLimit {
		t.Fatalf("stack base (%#x) must exceed stack limit (%#x)", l.StackBase, l.StackLimit)
	}

	if l.StackBase >= l.MemSize {
		t.Fatalf("stack base (%#x) must fit within memSize (%#x)", l.StackBase, l.MemSize)
	}
}

func TestStampAndCheckCookie(t *testing.T) {
	l, err := guestmem.NewLayout(1 << 25)
	if err != nil {
		t.Fatal(err)
	}

	mem := make([]byte, l.MemSize)

	if err := l.StampCookie(mem); err != nil {
		t.Fatal(err)
	}

	if !l.CheckCookie(mem) {
		t.Fatal("cookie check must pass immediately after stamping")
	}

	mem[l.StackCookieAddr] ^= 0xFF

	if l.CheckCookie(mem) {
		t.Fatal("cookie check must fail after corruption")
	}
}

func TestTwoLayoutsGetDistinctCookies(t *testing.T) {
	a, err := guestmem.NewLayout(1 << 25)
	if err != nil {
		t.Fatal(err)
	}

	b, err := guestmem.NewLayout(1 << 25)
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(a.Cookie[:], b.Cookie[:]) {
		t.Fatal("two independently constructed layouts must not share a cookie")
	}
}
