//go:build !linux

package netmon

// Monitor has no event source on this platform; connectivity changes arrive
// through the API instead.
type Monitor struct{}

func New(string) *Monitor {
	return &Monitor{}
}

func (m *Monitor) Subscribe(func(Event)) (func(), error) {
	return func() {}, nil
}
