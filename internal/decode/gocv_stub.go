//go:build !gocv

package decode

func newGocv(int) (Decoder, error) {
	return nil, ErrUnavailable
}
