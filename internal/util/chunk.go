package util

// Chunk splits items into consecutive slices of at most size elements.
// The last chunk may be shorter. A size below 1 yields a single chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size < 1 {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for size < len(items) {
		out = append(out, items[:size])
		items = items[size:]
	}
	return append(out, items)
}
