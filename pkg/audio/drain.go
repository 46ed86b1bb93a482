package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to unblock a producer whose stream is no longer consumed, such as
// the event stream of a closed live channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
