package rbac

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrBadChecksum 混合大小写的地址与 EIP-55 校验和不符
var ErrBadChecksum = errors.New("address checksum mismatch")

// IsHexAddress 是否为 0x 加 40 位十六进制的以太坊地址
func IsHexAddress(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 42 || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// ChecksumAddress 返回地址的 EIP-55 形式；非地址原样返回
func ChecksumAddress(s string) string {
	s = strings.TrimSpace(s)
	if !IsHexAddress(s) {
		return s
	}
	lower := strings.ToLower(s[2:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out)
}

// VerifyChecksum 全小写或全大写的地址不带校验信息，直接通过；
// 混合大小写时必须与 EIP-55 一致。非地址形式的身份不做检查。
func VerifyChecksum(s string) error {
	s = strings.TrimSpace(s)
	if !IsHexAddress(s) {
		return nil
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if ChecksumAddress(s) != "0x"+body {
		return ErrBadChecksum
	}
	return nil
}
