package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 100.00
)

// CommitmentHash derives the fairness hash published at round start:
// HMAC-SHA256 keyed by the server seed over "clientSeed:nonce".
func CommitmentHash(serverSeed, clientSeed string, nonce int64) string {
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(fmt.Sprintf("%s:%d", clientSeed, nonce)))
	return hex.EncodeToString(h.Sum(nil))
}

// HashToMultiplier maps a commitment hash to a crash multiplier.
// The first 13 hex characters (52 bits) are taken as an integer h;
// the multiplier is floor((100*2^52 - h) / (2^52 - h)) / 100,
// clamped to [MIN_MULTIPLIER, MAX_MULTIPLIER]. A zero value maps to
// the minimum guaranteed multiplier.
func HashToMultiplier(hexHash string) float64 {
	if len(hexHash) < 13 {
		return MIN_MULTIPLIER
	}

	i := new(big.Int)
	if _, ok := i.SetString(hexHash[:13], 16); !ok {
		return MIN_MULTIPLIER
	}
	h := float64(i.Uint64())
	if h == 0 {
		return MIN_MULTIPLIER
	}

	const e52 = float64(1 << 52)
	mult := math.Floor((100*e52-h)/(e52-h)) / 100

	if mult < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	if mult > MAX_MULTIPLIER {
		return MAX_MULTIPLIER
	}
	return math.Round(mult*100) / 100
}

// VerifyRound recomputes a round's multiplier from its revealed seed
// material and compares against the claimed crash point. This is the
// check exposed to players for independent re-verification.
func VerifyRound(serverSeed, clientSeed string, nonce int64, claimedCrashPoint float64) bool {
	hash := CommitmentHash(serverSeed, clientSeed, nonce)
	calculated := HashToMultiplier(hash)
	diff := calculated - claimedCrashPoint
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}

// GenerateSeed creates a cryptographically secure random seed.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
