package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumAddress(t *testing.T) {
	// EIP-55 参考向量
	for _, addr := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	} {
		assert.Equal(t, addr, ChecksumAddress(addr))
		assert.Equal(t, addr, ChecksumAddress(string(NormalizePrincipal(addr))))
		assert.NoError(t, VerifyChecksum(addr))
	}

	assert.Equal(t, "0xadmin", ChecksumAddress("0xadmin"))
}

func TestVerifyChecksum(t *testing.T) {
	assert.NoError(t, VerifyChecksum("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"), "all lower")
	assert.NoError(t, VerifyChecksum("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED"), "all upper")
	assert.NoError(t, VerifyChecksum("0xContractor"), "not an address")
	assert.ErrorIs(t, VerifyChecksum("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"), ErrBadChecksum)

	assert.True(t, IsHexAddress("0x0000000000000000000000000000000000000a11"))
	assert.False(t, IsHexAddress("0x00000000000000000000000000000000000000zz"))
	assert.False(t, IsHexAddress("0x1234"))
}
