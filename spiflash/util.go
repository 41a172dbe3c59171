package spiflash

func completeIO(offset uint32, buf []byte, f func(offset uint32, buf []byte) (int, error)) (int, error) {
	index := 0

	for len(buf) > 0 {
		n, err := f(offset, buf)
		index += n
		offset += uint32(n)

		if err != nil {
			return index, err
		}

		buf = buf[n:]
	}

	return index, nil
}

// pageCrossLength returns how many of txfr bytes starting at offset fit
// before the next page boundary.
func pageCrossLength(offset uint32, txfr uint32, pageSize uint32) int {
	mask := (pageSize - 1)
	left := pageSize - offset&mask
	if txfr < left {
		return int(txfr)
	}
	return int(left)
}

func isBlank(buf []byte) bool {
	for _, m := range buf {
		if m != 0xFF {
			return false
		}
	}
	return true
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
