//go:build !amd64

package hw

// CPU has no implementation off amd64.
type CPU struct{}

func New() (*CPU, error) {
	return nil, ErrUnsupported
}
