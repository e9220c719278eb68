package gen

// TrySend sends v on ch if that won't block, and reports whether it was sent
func TrySend[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

// SendReplacingOldest sends v on a buffered channel. If the channel is full, the oldest
// queued item is discarded to make room. Returns false only if another sender took the
// freed slot first.
func SendReplacingOldest[T any](ch chan T, v T) bool {
	if TrySend(ch, v) {
		return true
	}
	select {
	case <-ch:
	default:
	}
	return TrySend(ch, v)
}

// Drain empties a channel without blocking, and returns whatever it held
func Drain[T any](ch chan T) []T {
	var items []T
	for {
		select {
		case v := <-ch:
			items = append(items, v)
		default:
			return items
		}
	}
}
