package clkscale

import "time"

// A Builder constructs scalers.
type Builder struct {
	holder        Holder
	waitDrain     func(timeout time.Duration) error
	scaleClocks   func(up bool) error
	scaleGear     func(up bool) error
	drainTimeout  time.Duration
	pollInterval  time.Duration
	upThreshold   float64
	downThreshold float64
	withGovernor  bool
}

// MakeBuilder returns a new Builder.
func MakeBuilder() Builder {
	return Builder{
		drainTimeout:  DefaultDrainTimeout,
		pollInterval:  DefaultPollInterval,
		upThreshold:   DefaultUpThreshold,
		downThreshold: DefaultDownThreshold,
	}
}

// WithHolder sets the clock holder used around scale operations.
func (b Builder) WithHolder(holder Holder) Builder {
	b.holder = holder
	return b
}

// WithWaitDrain sets the quiesce primitive that waits for all
// outstanding transfer and task commands.
func (b Builder) WithWaitDrain(f func(timeout time.Duration) error) Builder {
	b.waitDrain = f
	return b
}

// WithScaleClocks sets the frequency change primitive.
func (b Builder) WithScaleClocks(f func(up bool) error) Builder {
	b.scaleClocks = f
	return b
}

// WithScaleGear sets the link gear change primitive.
func (b Builder) WithScaleGear(f func(up bool) error) Builder {
	b.scaleGear = f
	return b
}

// WithDrainTimeout bounds the quiesce wait.
func (b Builder) WithDrainTimeout(timeout time.Duration) Builder {
	b.drainTimeout = timeout
	return b
}

// WithGovernor enables the sampling governor with the given interval
// and busy-ratio thresholds.
func (b Builder) WithGovernor(
	interval time.Duration,
	upThreshold, downThreshold float64,
) Builder {
	b.withGovernor = true
	b.pollInterval = interval
	b.upThreshold = upThreshold
	b.downThreshold = downThreshold
	return b
}

// Build builds a new Scaler.
func (b Builder) Build(name string) *Scaler {
	if b.waitDrain == nil {
		panic("clkscale: builder needs a drain primitive")
	}
	if b.scaleClocks == nil {
		panic("clkscale: builder needs a clock scale primitive")
	}
	if b.scaleGear == nil {
		panic("clkscale: builder needs a gear scale primitive")
	}

	s := &Scaler{
		name:         name,
		holder:       b.holder,
		waitDrain:    b.waitDrain,
		scaleClocks:  b.scaleClocks,
		scaleGear:    b.scaleGear,
		drainTimeout: b.drainTimeout,
		scaledUp:     true,
	}

	if b.withGovernor {
		s.governor = &governor{
			scaler:        s,
			interval:      b.pollInterval,
			upThreshold:   b.upThreshold,
			downThreshold: b.downThreshold,
		}
	}

	return s
}
