package simd

// Sign writes sign(src[i]) into dst[i]: -1, 0 or 1.
// NaN maps to 0 and both zeros map to +0, matching (0 < x) - (x < 0).
func Sign(dst, src []float32) {
	i := 0
	for ; i <= len(src)-4; i += 4 {
		dst[i] = signOf(src[i])
		dst[i+1] = signOf(src[i+1])
		dst[i+2] = signOf(src[i+2])
		dst[i+3] = signOf(src[i+3])
	}
	for ; i < len(src); i++ {
		dst[i] = signOf(src[i])
	}
}

func signOf(x float32) float32 {
	var s float32
	if x > 0 {
		s++
	}
	if x < 0 {
		s--
	}
	return s
}

// SignStrided applies sign to every stride-th element starting at start.
// It is the per-tile inner loop of the accelerator sign kernel.
func SignStrided(dst, src []float32, start, stride int) {
	for i := start; i < len(src); i += stride {
		dst[i] = signOf(src[i])
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
