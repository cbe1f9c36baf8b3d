package crypto

import (
	"crypto/sha256"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Short authentication strings let two people compare a connection out of
// band. Both ends of a session derive the same words from the handshake
// hash; an interposed party would produce two different sessions.

var sasWords = []string{
	"apple", "banana", "cherry", "grape", "lemon", "orange", "peach", "plum",
	"flower", "sunflower", "tree", "cactus", "wave", "star", "moon", "sun",
	"fire", "snow", "lightning", "rainbow", "guitar", "piano", "trumpet", "drum",
	"rocket", "plane", "canoe", "ship", "house", "castle", "mountain", "island",
	"dog", "cat", "bird", "fish", "jaguar", "tapir", "butterfly", "turtle",
	"diamond", "key", "gift", "balloon", "book", "pencil", "bell", "clock",
	"target", "trophy", "river", "forest", "dice", "puzzle", "mask", "crown",
	"lantern", "lock", "gear", "magnet", "compass", "map", "seed", "feather",
}

// SASLength is the number of words in a short authentication string.
const SASLength = 4

// SASResult contains the words to compare
type SASResult struct {
	Words []string
}

// ComputeSAS derives a short authentication string from a session's
// handshake hash.
func ComputeSAS(handshakeHash []byte) *SASResult {
	r := hkdf.New(sha256.New, handshakeHash, nil, []byte("mapeo-sas"))

	sasBytes := make([]byte, SASLength)
	if _, err := io.ReadFull(r, sasBytes); err != nil {
		// hkdf only fails after 255 blocks of output
		panic(err)
	}

	result := &SASResult{Words: make([]string, SASLength)}
	for i, b := range sasBytes {
		result.Words[i] = sasWords[int(b)%len(sasWords)]
	}
	return result
}

// String returns the words separated by spaces
func (s *SASResult) String() string {
	return strings.Join(s.Words, " ")
}
