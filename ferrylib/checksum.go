package ferrylib

import (
	"fmt"
	"hash/crc32"

	"golang.org/x/crypto/blake2b"
)

type ChecksumKind uint8

const (
	ChecksumNone ChecksumKind = iota
	ChecksumCRC32C
	ChecksumBlake2b
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (k ChecksumKind) size() int {
	switch k {
	case ChecksumCRC32C:
		return 4
	case ChecksumBlake2b:
		return blake2b.Size256
	default:
		return 0
	}
}

func (k ChecksumKind) appendSum(dst []byte, data []byte) []byte {
	switch k {
	case ChecksumCRC32C:
		sum := crc32.Checksum(data, castagnoli)
		return append(dst, byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
	case ChecksumBlake2b:
		sum := blake2b.Sum256(data)
		return append(dst, sum[:]...)
	default:
		return dst
	}
}

func (k ChecksumKind) verify(data []byte, sum []byte) bool {
	switch k {
	case ChecksumCRC32C:
		want := crc32.Checksum(data, castagnoli)
		got := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
		return want == got
	case ChecksumBlake2b:
		want := blake2b.Sum256(data)
		return string(want[:]) == string(sum)
	default:
		return true
	}
}

func (k ChecksumKind) String() string {
	switch k {
	case ChecksumNone:
		return "none"
	case ChecksumCRC32C:
		return "crc32c"
	case ChecksumBlake2b:
		return "blake2b"
	default:
		return fmt.Sprintf("checksum(%d)", uint8(k))
	}
}

func ParseChecksumKind(s string) (ChecksumKind, error) {
	switch s {
	case "", "none":
		return ChecksumNone, nil
	case "crc32c":
		return ChecksumCRC32C, nil
	case "blake2b":
		return ChecksumBlake2b, nil
	default:
		return ChecksumNone, fmt.Errorf("unknown checksum kind '%s'", s)
	}
}
