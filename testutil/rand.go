package testutil

import (
	"math/rand"

	fuzz "github.com/google/gofuzz"
	. "github.com/onsi/ginkgo"
)

var RandSource = rand.NewSource(GinkgoRandomSeed())
var Rand = rand.New(RandSource)
var Fuzzer = func() *fuzz.Fuzzer {
	f := fuzz.New().NilChance(0)
	f.RandSource(RandSource)
	return f
}()
var Fuzz = Fuzzer.Fuzz

var FastRand = fastRandReader{}

type fastRandReader struct{}

func (fastRandReader) Read(p []byte) (int, error) {
	if len(p) > 0 {
		p[0] = byte(Rand.Int())
	}
	return len(p), nil
}

// RandString returns printable ascii string without line separators.
func RandString(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 +-*/()"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[Rand.Intn(len(alphabet))]
	}
	return string(b)
}
