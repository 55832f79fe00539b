package kcp2k

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Snmp defines network statistics indicators for the transport. All fields
// are updated atomically and may be read from any goroutine.
type Snmp struct {
	BytesSent       uint64 // bytes sent from upper level
	BytesReceived   uint64 // bytes received to upper level
	ActiveOpens     uint64 // accumulated active open connections
	PassiveOpens    uint64 // accumulated passive open connections
	CurrEstab       uint64 // current number of established connections
	InErrs          uint64 // UDP read errors reported from net.PacketConn
	InPkts          uint64 // incoming packets count
	OutPkts         uint64 // outgoing packets count
	InSegs          uint64 // incoming KCP segments
	OutSegs         uint64 // outgoing KCP segments
	InBytes         uint64 // UDP bytes received
	OutBytes        uint64 // UDP bytes sent
	RetransSegs     uint64 // accumulated retransmitted segments
	FastRetransSegs uint64 // accumulated fast retransmitted segments
	LostSegs        uint64 // number of segs declared lost
	RepeatSegs      uint64 // number of segs duplicated
}

func newSnmp() *Snmp {
	return new(Snmp)
}

// Header returns the field names of the stats
func (s *Snmp) Header() []string {
	return []string{
		"BytesSent",
		"BytesReceived",
		"ActiveOpens",
		"PassiveOpens",
		"CurrEstab",
		"InErrs",
		"InPkts",
		"OutPkts",
		"InSegs",
		"OutSegs",
		"InBytes",
		"OutBytes",
		"RetransSegs",
		"FastRetransSegs",
		"LostSegs",
		"RepeatSegs",
	}
}

// ToSlice returns the values of the stats in the order of Header
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	return []string{
		fmt.Sprint(snmp.BytesSent),
		fmt.Sprint(snmp.BytesReceived),
		fmt.Sprint(snmp.ActiveOpens),
		fmt.Sprint(snmp.PassiveOpens),
		fmt.Sprint(snmp.CurrEstab),
		fmt.Sprint(snmp.InErrs),
		fmt.Sprint(snmp.InPkts),
		fmt.Sprint(snmp.OutPkts),
		fmt.Sprint(snmp.InSegs),
		fmt.Sprint(snmp.OutSegs),
		fmt.Sprint(snmp.InBytes),
		fmt.Sprint(snmp.OutBytes),
		fmt.Sprint(snmp.RetransSegs),
		fmt.Sprint(snmp.FastRetransSegs),
		fmt.Sprint(snmp.LostSegs),
		fmt.Sprint(snmp.RepeatSegs),
	}
}

// Copy makes a consistent-enough snapshot of the stats
func (s *Snmp) Copy() *Snmp {
	d := newSnmp()
	d.BytesSent = atomic.LoadUint64(&s.BytesSent)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.ActiveOpens = atomic.LoadUint64(&s.ActiveOpens)
	d.PassiveOpens = atomic.LoadUint64(&s.PassiveOpens)
	d.CurrEstab = atomic.LoadUint64(&s.CurrEstab)
	d.InErrs = atomic.LoadUint64(&s.InErrs)
	d.InPkts = atomic.LoadUint64(&s.InPkts)
	d.OutPkts = atomic.LoadUint64(&s.OutPkts)
	d.InSegs = atomic.LoadUint64(&s.InSegs)
	d.OutSegs = atomic.LoadUint64(&s.OutSegs)
	d.InBytes = atomic.LoadUint64(&s.InBytes)
	d.OutBytes = atomic.LoadUint64(&s.OutBytes)
	d.RetransSegs = atomic.LoadUint64(&s.RetransSegs)
	d.FastRetransSegs = atomic.LoadUint64(&s.FastRetransSegs)
	d.LostSegs = atomic.LoadUint64(&s.LostSegs)
	d.RepeatSegs = atomic.LoadUint64(&s.RepeatSegs)
	return d
}

// Reset sets all indicators back to zero
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.BytesSent, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.ActiveOpens, 0)
	atomic.StoreUint64(&s.PassiveOpens, 0)
	atomic.StoreUint64(&s.CurrEstab, 0)
	atomic.StoreUint64(&s.InErrs, 0)
	atomic.StoreUint64(&s.InPkts, 0)
	atomic.StoreUint64(&s.OutPkts, 0)
	atomic.StoreUint64(&s.InSegs, 0)
	atomic.StoreUint64(&s.OutSegs, 0)
	atomic.StoreUint64(&s.InBytes, 0)
	atomic.StoreUint64(&s.OutBytes, 0)
	atomic.StoreUint64(&s.RetransSegs, 0)
	atomic.StoreUint64(&s.FastRetransSegs, 0)
	atomic.StoreUint64(&s.LostSegs, 0)
	atomic.StoreUint64(&s.RepeatSegs, 0)
}

// DefaultSnmp is the global KCP connection statistics collector
var DefaultSnmp = newSnmp()

// SnmpCollector adapts an Snmp instance to a prometheus.Collector so the
// transport can be mounted on an existing registry.
type SnmpCollector struct {
	snmp  *Snmp
	descs []*prometheus.Desc
}

// NewSnmpCollector builds a collector over the given stats; pass DefaultSnmp
// for the process-wide numbers.
func NewSnmpCollector(snmp *Snmp) *SnmpCollector {
	c := &SnmpCollector{snmp: snmp}
	for _, name := range snmp.Header() {
		suffix := "_total"
		if name == "CurrEstab" {
			suffix = "" // a gauge, not a counter
		}
		c.descs = append(c.descs, prometheus.NewDesc(
			prometheus.BuildFQName("kcp2k", "", toSnakeCase(name)+suffix),
			"kcp2k transport stat "+name,
			nil, nil,
		))
	}
	return c
}

// Describe implements prometheus.Collector
func (c *SnmpCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *SnmpCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snmp.Copy()
	values := []uint64{
		snap.BytesSent,
		snap.BytesReceived,
		snap.ActiveOpens,
		snap.PassiveOpens,
		snap.CurrEstab,
		snap.InErrs,
		snap.InPkts,
		snap.OutPkts,
		snap.InSegs,
		snap.OutSegs,
		snap.InBytes,
		snap.OutBytes,
		snap.RetransSegs,
		snap.FastRetransSegs,
		snap.LostSegs,
		snap.RepeatSegs,
	}
	for i, d := range c.descs {
		typ := prometheus.CounterValue
		if i == 4 { // CurrEstab
			typ = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(d, typ, float64(values[i]))
	}
}

func toSnakeCase(name string) string {
	out := make([]byte, 0, len(name)+4)
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if ch >= 'A' && ch <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			ch += 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}
