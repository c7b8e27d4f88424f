package testhelper

import (
	"math/rand"
)

// Random8ByteString() returns an 8-char lower-case string consisting solely of the letters a-z.
// Handy for hostnames that can't collide between specs, e.g. Random8ByteString() + ".example".
func Random8ByteString() string {
	var randomString []byte
	for range 8 {
		// 97 == ascii 'a', there are 26 letters in the alphabet
		randomString = append(randomString, byte(97+rand.Intn(26)))
	}
	return string(randomString)
}
