package scan

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/memscan/memscan/pkg/proc/memtest"
	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/value"
)

func single(base uint64, cur, prev []byte) *snapshot.Snapshot {
	r := snapshot.NewRegion(base, cur, prev).AddRange(0, len(cur))
	return snapshot.New(value.Int32, 4, r)
}

func mustScan(t *testing.T, snap *snapshot.Snapshot, m *ConstraintManager) *snapshot.Snapshot {
	t.Helper()
	res, err := Scan(context.Background(), snap, m, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return res
}

func elements(t *testing.T, s *snapshot.Snapshot) map[uint64]int64 {
	t.Helper()
	r := make(map[uint64]int64)
	for i := 0; i < s.ElementCount(); i++ {
		er, err := s.ElementAt(i, 0)
		if err != nil {
			t.Fatal(err)
		}
		v, err := er.LoadCurrentValue(s.DataType())
		if err != nil {
			t.Fatal(err)
		}
		r[er.BaseAddress()] = v.Int64()
	}
	return r
}

func TestScanEqualScenario(t *testing.T) {
	snap := single(0x1000, memtest.Int32s(1, 2, 3, 4), nil)
	m := NewConstraintManager(value.Int32)
	m.AddConstraint(Equal, value.Int(value.Int32, 3))

	res := mustScan(t, snap, m)
	if res.RegionCount() != 1 {
		t.Fatalf("expected one region, got %d", res.RegionCount())
	}
	r := res.Regions()[0]
	if r.RangeCount() != 1 {
		t.Fatalf("expected one element range, got %d", r.RangeCount())
	}
	for er := range r.Ranges() {
		if er.BaseAddress() != 0x1008 {
			t.Fatalf("element range at %#x", er.BaseAddress())
		}
		v, err := er.LoadCurrentValue(value.Int32)
		if err != nil || v.Int64() != 3 {
			t.Fatalf("current value %v, %v", v, err)
		}
	}
	if r.Size() != 4 {
		t.Fatalf("output buffer not trimmed: %d bytes", r.Size())
	}
	if snap.ElementCount() != 4 || snap.Regions()[0].Size() != 16 {
		t.Fatal("input snapshot modified")
	}
}

func TestScanEqualIdempotent(t *testing.T) {
	data := memtest.Int32s(5, 9, 5, 5, 1, 5)
	snap := single(0x2000, data, nil)
	for i := 0; i < snap.ElementCount(); i++ {
		er, _ := snap.ElementAt(i, 0)
		v, _ := er.LoadCurrentValue(value.Int32)
		m := NewConstraintManager(value.Int32)
		m.AddConstraint(Equal, v)
		res := mustScan(t, snap, m)
		again := mustScan(t, res, m)
		if again.ElementCount() != res.ElementCount() {
			t.Fatalf("Equal %v: rescan of %d elements returned %d", v, res.ElementCount(), again.ElementCount())
		}
	}

	// scanning with a constraint every element satisfies keeps them all
	m := NewConstraintManager(value.Int32)
	m.AddConstraint(GreaterOrEqual, value.Int(value.Int32, math.MinInt32))
	if res := mustScan(t, snap, m); res.ElementCount() != snap.ElementCount() {
		t.Fatalf("kept %d of %d elements", res.ElementCount(), snap.ElementCount())
	}
}

func TestScanAndSemantics(t *testing.T) {
	prev := memtest.Int32s(3, 1, 3, 7)
	cur := memtest.Int32s(3, 3, 3, 3)
	snap := single(0x1000, cur, prev)

	m := NewConstraintManager(value.Int32)
	m.AddConstraint(Equal, value.Int(value.Int32, 3))
	m.AddConstraint(Changed, value.Value{})
	both := elements(t, mustScan(t, snap, m))
	if len(both) != 2 || both[0x1004] != 3 || both[0x100c] != 3 {
		t.Fatalf("Equal=3 AND Changed: %v", both)
	}

	m.RemoveConstraints(1)
	equal := elements(t, mustScan(t, snap, m))
	if len(equal) != 4 {
		t.Fatalf("Equal=3: %v", equal)
	}
	for addr := range both {
		if _, ok := equal[addr]; !ok {
			t.Fatalf("%#x passes both constraints but not Equal alone", addr)
		}
	}
}

func TestScanCoalescing(t *testing.T) {
	snap := single(0x1000, memtest.Int32s(1, 1, 0, 1, 1, 1, 0), nil)
	m := NewConstraintManager(value.Int32)
	m.AddConstraint(Equal, value.Int(value.Int32, 1))
	res := mustScan(t, snap, m)
	r := res.Regions()[0]
	var got [][2]uint64
	for er := range r.Ranges() {
		got = append(got, [2]uint64{er.BaseAddress(), uint64(er.Length)})
	}
	if len(got) != 2 || got[0] != [2]uint64{0x1000, 8} || got[1] != [2]uint64{0x100c, 12} {
		t.Fatalf("unexpected ranges %#x", got)
	}
	if res.ElementCount() != 5 || r.BaseAddress() != 0x1000 || r.Size() != 24 {
		t.Fatalf("count %d, region %#x+%d", res.ElementCount(), r.BaseAddress(), r.Size())
	}
}

func TestScanFastPathMatchesGeneric(t *testing.T) {
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[3:], 0xdeadbeef) // unaligned
	binary.LittleEndian.PutUint32(data[8:], 0xdeadbeef)
	binary.LittleEndian.PutUint32(data[12:], 0xdeadbeef)
	binary.LittleEndian.PutUint32(data[40:], 0xdeadbeef)
	snap := single(0x4000, data, nil)

	fast := NewConstraintManager(value.Uint32)
	fast.AddConstraint(Equal, value.Uint(value.Uint32, 0xdeadbeef))
	if _, ok := needle(fast); !ok {
		t.Fatal("single Equal constraint did not select the fast path")
	}
	slow := fast.Clone()
	slow.AddConstraint(GreaterOrEqual, value.Uint(value.Uint32, 0))
	if _, ok := needle(slow); ok {
		t.Fatal("two constraints selected the fast path")
	}

	a := elements(t, mustScan(t, snap, fast))
	b := elements(t, mustScan(t, snap, slow))
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("fast %v, generic %v", a, b)
	}
	for addr := range a {
		if _, ok := b[addr]; !ok {
			t.Fatalf("%#x found only by the fast path", addr)
		}
	}

	// alignment 1 finds the unaligned occurrence too
	res, err := Scan(context.Background(), snap.WithDataType(value.Uint32, 1), fast, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ElementCount() != 4 {
		t.Fatalf("alignment 1: %d elements", res.ElementCount())
	}
}

func TestScanFloat(t *testing.T) {
	buf := make([]byte, 32)
	for i, f := range []float64{math.NaN(), math.Copysign(0, -1), 0, 1.5} {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	r := snapshot.NewRegion(0x1000, buf, nil).AddRange(0, len(buf))
	snap := snapshot.New(value.Float64, 8, r)

	m := NewConstraintManager(value.Float64)
	m.AddConstraint(Equal, value.Float(value.Float64, 0))
	if n := mustScan(t, snap, m).ElementCount(); n != 2 {
		t.Fatalf("Equal 0 matched %d elements, expected -0 and +0", n)
	}
	m.UpdateConstraint(0, value.Float(value.Float64, math.NaN()))
	if n := mustScan(t, snap, m).ElementCount(); n != 0 {
		t.Fatalf("NaN matched %d elements", n)
	}
}

func TestScanRelative(t *testing.T) {
	prev := memtest.Int32s(10, 10, 10, math.MaxInt32)
	cur := memtest.Int32s(15, 5, 10, math.MinInt32)
	snap := single(0x1000, cur, prev)

	for _, tc := range []struct {
		kind Kind
		arg  int32
		want []uint64
	}{
		{Increased, 0, []uint64{0x1000}},
		{Decreased, 0, []uint64{0x1004, 0x100c}},
		{Unchanged, 0, []uint64{0x1008}},
		{IncreasedBy, 5, []uint64{0x1000}},
		{DecreasedBy, 5, []uint64{0x1004}},
		{IncreasedBy, 1, []uint64{0x100c}}, // wraps
	} {
		m := NewConstraintManager(value.Int32)
		if err := m.AddConstraint(tc.kind, value.Int(value.Int32, int64(tc.arg))); err != nil {
			t.Fatal(err)
		}
		got := elements(t, mustScan(t, snap, m))
		if len(got) != len(tc.want) {
			t.Errorf("%v %d: got %v, expected %#x", tc.kind, tc.arg, got, tc.want)
			continue
		}
		for _, addr := range tc.want {
			if _, ok := got[addr]; !ok {
				t.Errorf("%v %d: %#x missing from %v", tc.kind, tc.arg, addr, got)
			}
		}
	}

	// a region captured once has no previous value to compare with
	m := NewConstraintManager(value.Int32)
	m.AddConstraint(Unchanged, value.Value{})
	if n := mustScan(t, single(0x1000, cur, nil), m).ElementCount(); n != 0 {
		t.Fatalf("relative constraint passed %d elements without a previous capture", n)
	}
}

func TestScanShortRegionAndBigEndian(t *testing.T) {
	short := snapshot.NewRegion(0x1000, []byte{1, 2, 3}, nil).AddRange(0, 3)
	be := snapshot.NewRegion(0x2000, []byte{0, 0, 0, 7, 7, 0, 0, 0}, nil).AddRange(0, 8)
	dt := value.DataType{Kind: value.I32, BigEndian: true}
	snap := snapshot.New(dt, 4, short, be)
	if snap.ElementCount() != 2 {
		t.Fatalf("element count %d", snap.ElementCount())
	}
	m := NewConstraintManager(dt)
	m.AddConstraint(Equal, value.Int(dt, 7))
	res := mustScan(t, snap, m)
	if res.ElementCount() != 1 || res.Regions()[0].BaseAddress() != 0x2000 {
		t.Fatalf("unexpected result %v", res)
	}
	m.AddConstraint(LessThan, value.Int(dt, 100))
	if res := mustScan(t, snap, m); res.ElementCount() != 1 {
		t.Fatalf("generic path: %v", res)
	}
}

func TestScanByteArray(t *testing.T) {
	data := []byte("xxabcdxxabcdab")
	r := snapshot.NewRegion(0x1000, data, nil).AddRange(0, len(data))
	snap := snapshot.New(value.ByteArray(4), 2, r)
	m := NewConstraintManager(value.ByteArray(4))
	m.AddConstraint(Equal, value.ByteArrayOf([]byte("abcd")))
	res := mustScan(t, snap, m)
	if res.ElementCount() != 2 {
		t.Fatalf("found %d elements", res.ElementCount())
	}
	er, _ := res.ElementAt(1, 0)
	if v, _ := er.LoadCurrentValue(value.ByteArray(4)); !bytes.Equal(v.Bytes(), []byte("abcd")) || er.BaseAddress() != 0x1008 {
		t.Fatalf("second match %v at %#x", v, er.BaseAddress())
	}
}

func TestScanCanceled(t *testing.T) {
	snap := single(0x1000, memtest.Int32s(1, 2), nil)
	m := NewConstraintManager(value.Int32)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Scan(ctx, snap, m, nil)
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Fatalf("expected cancellation, got %v, %v", res, err)
	}
}
