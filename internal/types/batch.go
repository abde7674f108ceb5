package types

// MaxBatch bounds how many ids go into one IN list or one multi-row insert.
// SQLite allows 32,766 bound variables per statement and Postgres 65,535.
const MaxBatch = 500

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size < 1 {
		size = MaxBatch
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
