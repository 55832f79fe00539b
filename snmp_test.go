package kcp2k

import (
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSnmpCopyReset(t *testing.T) {
	s := newSnmp()
	atomic.AddUint64(&s.OutSegs, 3)
	atomic.AddUint64(&s.RetransSegs, 1)

	snap := s.Copy()
	if snap.OutSegs != 3 || snap.RetransSegs != 1 {
		t.Fatalf("snapshot %+v", snap)
	}

	atomic.AddUint64(&s.OutSegs, 1)
	if snap.OutSegs != 3 {
		t.Fatal("snapshot must not track the live counters")
	}

	s.Reset()
	if got := s.Copy(); got.OutSegs != 0 || got.RetransSegs != 0 {
		t.Fatalf("counters after reset: %+v", got)
	}
}

func TestSnmpHeaderMatchesSlice(t *testing.T) {
	s := newSnmp()
	if len(s.Header()) != len(s.ToSlice()) {
		t.Fatalf("header has %d fields, slice has %d", len(s.Header()), len(s.ToSlice()))
	}
}

func TestSnmpCollector(t *testing.T) {
	s := newSnmp()
	atomic.AddUint64(&s.OutPkts, 7)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewSnmpCollector(s)); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != len(s.Header()) {
		t.Fatalf("gathered %d metric families, want %d", len(families), len(s.Header()))
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "kcp2k_out_pkts_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 7 {
				t.Fatalf("kcp2k_out_pkts_total = %v, want 7", v)
			}
		}
	}
	if !found {
		t.Fatal("kcp2k_out_pkts_total not exported")
	}
}
