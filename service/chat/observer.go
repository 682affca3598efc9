package chat

// Observer receives gateway lifecycle signals. The server calls it
// synchronously from its own goroutines, so implementations must not
// block; the Prometheus implementation lives in service/metrics.
type Observer interface {
	ConnOpened()
	ConnClosed()
	ConnAuthenticated(userID int64)
	FrameReceived(frameType string)
	EventDelivered(eventType string, recipients int)
	EventDropped(eventType string, reason string)
	SendFailed()
}

// NopObserver satisfies Observer with no-ops; it is the default when
// metrics are not wired.
type NopObserver struct{}

func (NopObserver) ConnOpened()                 {}
func (NopObserver) ConnClosed()                 {}
func (NopObserver) ConnAuthenticated(int64)     {}
func (NopObserver) FrameReceived(string)        {}
func (NopObserver) EventDelivered(string, int)  {}
func (NopObserver) EventDropped(string, string) {}
func (NopObserver) SendFailed()                 {}
