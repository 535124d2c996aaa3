package signing

// Bitmap builds a signer bitmap with one bit per member.
// Out-of-range indices are ignored.
func Bitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// Signers returns the member indices set in bitmap, ascending.
func Signers(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}

// QuorumSize returns the default signing threshold for n members:
// ceil(67% of n).
func QuorumSize(n int) int {
	return (n*67 + 99) / 100
}
