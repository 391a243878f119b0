package broker

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrGatewayUnavailable 表示网络或超时类故障，下一轮重试。
	ErrGatewayUnavailable = errors.New("broker: gateway unavailable")
	// ErrOrderRejected 表示券商业务拒单，不自动重试。
	ErrOrderRejected = errors.New("broker: order rejected")
)

// IsUnavailable 判断错误是否属于网关不可用。
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrGatewayUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
