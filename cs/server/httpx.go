package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"clashstats/cs/app"
	"clashstats/cs/common/ttls"
)

// buildHTTPServer falls back to plain HTTP when the key pair cannot be loaded.
func buildHTTPServer(a *app.App, handler http.Handler, errLog *log.Logger) (*http.Server, bool) {
	srv := &http.Server{
		Addr:              a.Cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	cert := strings.TrimSpace(a.Cfg.HTTP.TLSCert)
	key := strings.TrimSpace(a.Cfg.HTTP.TLSKey)
	if cert == "" || key == "" {
		return srv, false
	}
	cfg, err := ttls.LoadTLSConfig(cert, key)
	if err != nil {
		errLog.Printf("[boot] tls disabled (load error): %v", err)
		return srv, false
	}
	srv.TLSConfig = cfg
	return srv, true
}

func startMainAsync(srv *http.Server, useTLS bool, errLog *log.Logger) {
	go func() {
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errLog.Fatalf("listen %s: %v", srv.Addr, err)
		}
	}()
}

// shutdownAll stops accepting requests first, then the collectors and the store.
func shutdownAll(srv *http.Server, a *app.App, infoLog, errLog *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// websocket subscribers are hijacked and not covered by Shutdown
	a.Hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		errLog.Printf("http shutdown: %v", err)
	}
	if err := a.Stop(); err != nil {
		errLog.Printf("stop error: %v", err)
	}
	infoLog.Printf("[boot] all components stopped")
}

func printListenHints(bindAddr string, useTLS bool, infoLog *log.Logger) {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		infoLog.Printf("[boot] listening: %s://%s", scheme, bindAddr)
		return
	}
	var urls []string
	if host != "" && host != "0.0.0.0" && host != "::" {
		urls = append(urls, scheme+"://"+net.JoinHostPort(host, port))
	} else {
		urls = append(urls, scheme+"://"+net.JoinHostPort("127.0.0.1", port))
		if ip := firstLANIPv4(); ip != "" {
			urls = append(urls, scheme+"://"+net.JoinHostPort(ip, port))
		}
	}
	infoLog.Printf("[boot] listening (%s):", scheme)
	for _, u := range urls {
		infoLog.Printf("       → %s  (ws: %s/ws)", u, strings.Replace(u, "http", "ws", 1))
	}
}

func firstLANIPv4() string {
	ifcs, _ := net.Interfaces()
	for _, itf := range ifcs {
		if itf.Flags&net.FlagUp == 0 || itf.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := itf.Addrs()
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip = ip.To4(); ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
