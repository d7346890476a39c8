package validator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storecrawl/proxypool/model"
)

// closedAddr 返回一个当前没有监听者的本地地址
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestValidateMarksUnreachableProxiesUnhealthy(t *testing.T) {
	httpProxy, err := model.Parse("http://" + closedAddr(t))
	require.NoError(t, err)
	socksProxy, err := model.Parse("socks5://" + closedAddr(t))
	require.NoError(t, err)
	httpProxy.Healthy, socksProxy.Healthy = true, true

	v := NewValidator(2*time.Second, 2).WithTarget(closedAddr(t))
	out := v.Validate(context.Background(), []*model.Proxy{httpProxy, socksProxy})

	require.Len(t, out, 2)
	for _, p := range out {
		assert.False(t, p.Healthy, p.ID)
		assert.Zero(t, p.Latency)
		assert.False(t, p.LastChecked.IsZero())
	}
}

func TestValidateEmpty(t *testing.T) {
	assert.Empty(t, NewValidator(time.Second, 0).Validate(context.Background(), nil))
}
