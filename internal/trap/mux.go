package trap

// Token identifies a registered socket in readiness events. The event loop
// routes every event to the component that registered its token.
type Token int32

// Interest selects the readiness direction a socket is registered for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event is a single readiness notification reported by the multiplexer.
type Event struct {
	Token Token
}

// Registry is the registration half of the readiness multiplexer. Server
// and MetricServer depend on it instead of the concrete Poller so tests can
// substitute a fake. A socket must be removed before it is closed, or the
// multiplexer may keep reporting a token that no longer has an owner.
type Registry interface {
	Add(fd int, token Token, interest Interest) error
	Modify(fd int, token Token, interest Interest) error
	Remove(fd int) error
}
