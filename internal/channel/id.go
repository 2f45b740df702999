package channel

import (
	"encoding/hex"

	"github.com/google/uuid"

	"qmesh/internal/crypto"
)

// channelNamespace scopes channel ids derived from handshake transcripts.
var channelNamespace = uuid.MustParse("6f1c2a94-3b8e-5d27-9a41-0c5e7b3d2f18")

// DeriveID returns the public identifier for an identity key.
func DeriveID(pub []byte) string {
	sum := crypto.KDF("qmesh:id:v1", pub)
	return hex.EncodeToString(sum[:16])
}

// channelID is derived from the transcript so both ends agree without another round trip.
func channelID(transcript []byte) string {
	return uuid.NewSHA1(channelNamespace, transcript).String()
}
