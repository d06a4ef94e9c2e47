package audio

// Handler receives downmixed mono chunks on the capture goroutine. It must
// return quickly: no I/O and no waiting on other goroutines. Every call
// gets a fresh slice the handler may keep.
type Handler func(mono []float32)

// Source is a live capture device.
type Source interface {
	// Start begins delivering chunks to handler until Stop is called.
	Start(handler Handler) error
	Stop() error
	// SampleRate is the rate of the mono chunks delivered to the handler.
	SampleRate() int
	Close() error
}
