package utils

import (
	"crypto/tls"
	"net/http"
	"time"
)

func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(0),
	}
}

// NewStreamingHTTPClient 用于长连接推流：不设置整体超时（否则会截断响应体），
// 只限制等待响应头的时间
func NewStreamingHTTPClient(responseHeaderTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: newTransport(responseHeaderTimeout),
	}
}

func newTransport(responseHeaderTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: false,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}
}
