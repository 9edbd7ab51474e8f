package restapi

import (
	"crypto/rand"
	"math/big"
)

// participantPalette assigns each new participant a stable, readable cursor
// color, the way the teacher's GenerateOTP (pkg/server/secret.go) reaches
// for crypto/rand instead of math/rand for anything handed out to a client.
var participantPalette = []string{
	"#e57373", "#f06292", "#ba68c8", "#9575cd",
	"#7986cb", "#64b5f6", "#4fc3f7", "#4dd0e1",
	"#4db6ac", "#81c784", "#aed581", "#ffd54f",
	"#ffb74d", "#ff8a65", "#a1887f", "#90a4ae",
}

func randomColor() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(participantPalette))))
	if err != nil {
		return participantPalette[0]
	}
	return participantPalette[n.Int64()]
}
