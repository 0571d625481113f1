package strategy

// orbRange is the opening range observed for one symbol.
type orbRange struct {
	high, low float64
	seeded    bool
}

// ORB is the opening-range breakout strategy. Ranges are accumulated during
// the opening window and become tradable once finalized.
type ORB struct {
	volumeMultiplier float64 // 0 disables the volume filter

	ranges      map[string]*orbRange
	established map[string]bool
}

// NewORB creates an opening-range breakout strategy.
func NewORB(volumeMultiplier float64) *ORB {
	return &ORB{
		volumeMultiplier: volumeMultiplier,
		ranges:           make(map[string]*orbRange),
		established:      make(map[string]bool),
	}
}

// Update widens the symbol's range to include a bar's high and low.
// Updates after Finalize are ignored.
func (o *ORB) Update(symbol string, high, low float64) {
	if o.established[symbol] || high <= 0 || low <= 0 {
		return
	}
	if high < low {
		high, low = low, high
	}
	r, ok := o.ranges[symbol]
	if !ok {
		r = &orbRange{}
		o.ranges[symbol] = r
	}
	if !r.seeded {
		r.high, r.low, r.seeded = high, low, true
		return
	}
	if high > r.high {
		r.high = high
	}
	if low < r.low {
		r.low = low
	}
}

// Finalize locks the range and makes the symbol eligible for evaluation.
// It reports false when no bars were observed.
func (o *ORB) Finalize(symbol string) bool {
	r, ok := o.ranges[symbol]
	if !ok || !r.seeded {
		return false
	}
	o.established[symbol] = true
	return true
}

// Reset drops the symbol's range.
func (o *ORB) Reset(symbol string) {
	delete(o.ranges, symbol)
	delete(o.established, symbol)
}

// Established reports whether the symbol's range is finalized.
func (o *ORB) Established(symbol string) bool {
	return o.established[symbol]
}

// Range returns the symbol's accumulated range.
func (o *ORB) Range(symbol string) (low, high float64, ok bool) {
	r, found := o.ranges[symbol]
	if !found || !r.seeded {
		return 0, 0, false
	}
	return r.low, r.high, true
}

// Evaluate emits a breakout signal for an established range.
func (o *ORB) Evaluate(state MarketState) Signal {
	if !o.established[state.Symbol] || state.Price <= 0 {
		return SignalNone
	}
	r := o.ranges[state.Symbol]
	volumeOK := o.volumeMultiplier <= 0 || state.AvgVolume <= 0 ||
		state.Volume >= state.AvgVolume*o.volumeMultiplier

	switch {
	case state.Price > r.high && volumeOK:
		return SignalLong
	case state.Price < r.low && volumeOK:
		return SignalShort
	default:
		return SignalNone
	}
}
