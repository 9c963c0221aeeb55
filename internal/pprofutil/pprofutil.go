// Package pprofutil starts an optional pprof HTTP endpoint for a serving
// node.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	EnvEnable      = "NEARLINK_PPROF"
	EnvAddr        = "NEARLINK_PPROF_ADDR"
	EnvAllowPublic = "NEARLINK_PPROF_ALLOW_PUBLIC"
	defaultAddr    = "127.0.0.1:6060"
)

var (
	startOnce sync.Once
	startErr  error
	startAddr string
)

// StartFromEnv starts the endpoint when NEARLINK_PPROF=1 and returns the
// bound address, or "" when disabled. Only the first call binds.
func StartFromEnv(logw io.Writer) (string, error) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv(EnvAddr))
		if addr == "" {
			addr = defaultAddr
		}
		if strings.TrimSpace(os.Getenv(EnvAllowPublic)) != "1" && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen: %w", err)
			return
		}
		startAddr = ln.Addr().String()
		if logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", startAddr)
		}
		srv := &http.Server{
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() { _ = srv.Serve(ln) }()
	})
	return startAddr, startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
