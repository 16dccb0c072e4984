package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-netcode/pkg/netcode/types"
	"github.com/jabolina/go-netcode/pkg/netcode/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		PacketType:      types.PacketData,
		PacketIndex:     42,
		AckLastReceived: 7,
		AckBitfield:     0xBEEF,
	}
	w := wire.NewWriter(32)
	require.NoError(t, h.Serialize(w))

	var got Header
	r := wire.NewReader(w.Bytes())
	require.NoError(t, got.Deserialize(r))
	assert.Equal(t, h, got)
}
