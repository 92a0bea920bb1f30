package tensor

// iota32 returns 0, 1, ..., n-1.
func iota32(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i)
	}

	return s
}

func mustNew(data []float32, shape ...int64) *Tensor {
	t, err := New(data, shape)
	if err != nil {
		panic(err)
	}

	return t
}
