package cloud

import "errors"

var (
	ErrInvalidBufferLength = errors.New("cloud: buffer length does not match layers*H*V*3")
	ErrUnknownHandle       = errors.New("cloud: unknown point cloud handle")
	ErrBadPointSize        = errors.New("cloud: point size must be > 0")
)
