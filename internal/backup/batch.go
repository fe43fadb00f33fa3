package backup

// Split 按 size 把文件切分成有序批次，保持输入顺序
func Split(entries []FileEntry, size int) ([]Batch, error) {
	if size < 1 {
		return nil, ErrInvalidBatchSize
	}

	batches := make([]Batch, 0, (len(entries)+size-1)/size)
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		chunk := make([]FileEntry, end-start)
		copy(chunk, entries[start:end])
		batches = append(batches, Batch{Index: len(batches), Entries: chunk})
	}
	return batches, nil
}
