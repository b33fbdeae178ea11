package testkit

import (
	"fmt"
	"math/rand"
	"time"
)

// RNG provides a deterministic random number generator.
// If seed is 0, it uses the current time.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes generates a slice of random bytes of the given length.
func RandomBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
	return b
}

// CompressibleBytes generates a slice of highly compressible bytes of the
// given length, with a sprinkle of noise so it is not perfectly uniform.
func CompressibleBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	pattern := []byte("highly compressible repeating pattern ")
	pLen := len(pattern)
	for i := 0; i < length; i++ {
		b[i] = pattern[i%pLen]
	}

	for i := 0; i < length/1024; i++ {
		b[r.Intn(length)] = byte(r.Intn(256))
	}

	return b
}

// TimeSeriesCSV generates rows of plausible time-series observations, the
// kind of tabular payload this store carries in practice.
func TimeSeriesCSV(r *rand.Rand, rows int) []byte {
	out := []byte("time,site,value\n")
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		row := fmt.Sprintf("%s,site%d,%.3f\n", t.Format(time.RFC3339), r.Intn(50), r.Float64()*100)
		out = append(out, row...)
		t = t.Add(time.Hour)
	}
	return out
}
