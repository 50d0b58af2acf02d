package registry

// Backplane is the pluggable cross-node fan-out seam. A single-process
// deployment uses the noop; a horizontally scaled one plugs in the NATS
// implementation without touching router code.
type Backplane interface {
	Publish(identities []string, payload []byte) error
}

type NoopBackplane struct{}

func (NoopBackplane) Publish([]string, []byte) error { return nil }
