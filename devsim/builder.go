package devsim

import (
	"time"

	"github.com/sarchlab/storhc/hcregs"
)

// DefaultLatency is the simulated command execution latency.
const DefaultLatency = 100 * time.Microsecond

// A Builder constructs devices.
type Builder struct {
	latency time.Duration
	attrs   map[uint8]uint32
	flags   map[uint8]bool
}

// MakeBuilder returns a new Builder.
func MakeBuilder() Builder {
	return Builder{
		latency: DefaultLatency,
	}
}

// WithLatency sets the simulated execution latency of every command.
func (b Builder) WithLatency(latency time.Duration) Builder {
	b.latency = latency
	return b
}

// WithAttr seeds one device attribute.
func (b Builder) WithAttr(idn uint8, value uint32) Builder {
	if b.attrs == nil {
		b.attrs = map[uint8]uint32{}
	}
	b.attrs[idn] = value
	return b
}

// WithFlag seeds one device flag.
func (b Builder) WithFlag(idn uint8, value bool) Builder {
	if b.flags == nil {
		b.flags = map[uint8]bool{}
	}
	b.flags[idn] = value
	return b
}

// Build builds a new Device.
func (b Builder) Build(name string) *Device {
	d := &Device{
		name:        name,
		latency:     b.latency,
		reg:         map[uint32]uint32{},
		pendingXfer: map[int]*time.Timer{},
		pendingTask: map[int]*time.Timer{},
		attrs: map[uint8]uint32{
			hcregs.AttrIDNPowerMode: 1,
			hcregs.AttrIDNEEControl: 0,
			hcregs.AttrIDNEEStatus:  0,
		},
		flags:    map[uint8]bool{},
		lunData:  map[uint8][]byte{},
		uicAttrs: map[uint32]uint32{},
		intrCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	for idn, v := range b.attrs {
		d.attrs[idn] = v
	}
	for idn, v := range b.flags {
		d.flags[idn] = v
	}

	return d
}
