package pubsub

// NewFilteredSender wraps a sender so that only messages passing the filter
// are delivered. Dropped messages still report success, because the channel
// accepted them; false only ever means "closed".
func NewFilteredSender[T any](s SenderCloser[T], filter func(T) bool) SenderCloser[T] {
	return &filteredSender[T]{
		SenderCloser: s,
		filter:       filter,
	}
}

type filteredSender[T any] struct {
	SenderCloser[T]
	filter func(T) bool
}

func (s *filteredSender[T]) Send(msg T) bool {
	select {
	case <-s.Closed():
		return false
	default:
		if s.filter == nil || s.filter(msg) {
			return s.SenderCloser.Send(msg)
		}
		return true
	}
}
