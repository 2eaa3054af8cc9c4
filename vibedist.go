package rawhttpd

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// The distributed front-end relay: instead of binding locally, Listen
// dials the relay, announces the (host, port) it serves, and treats each
// relay connection as an accepted client connection. The relay terminates
// the public listeners and spreads connections across registered backends.

var vibeDist struct {
	mu   sync.Mutex
	host string
	port int
}

// SetVibeDistHost redirects subsequent Listen calls to a distributed
// front-end relay at host:port instead of binding local listeners. An
// empty host restores local binding.
func SetVibeDistHost(host string, port int) {
	vibeDist.mu.Lock()
	vibeDist.host = host
	vibeDist.port = port
	vibeDist.mu.Unlock()
}

// relayConnCount is how many parallel relay connections each registered
// context keeps open; the relay hands one client to each and the backend
// redials as they finish.
const relayConnCount = 4

func listenViaRelay(settings ServerSettings, handler Handler) (bool, *ListenerHandle, error) {
	vibeDist.mu.Lock()
	host, port := vibeDist.host, vibeDist.port
	vibeDist.mu.Unlock()
	if host == "" {
		return false, nil, nil
	}

	engine.once.Do(initEngine)

	servePort := settings.Port
	if servePort == 0 {
		servePort = 80
	}
	serveHost := settings.HostName

	// The context registers under a loopback pseudo-bind so the regular
	// vhost resolution applies to relayed requests too.
	relaySettings := settings
	relaySettings.BindAddresses = []string{"vibedist"}
	relaySettings.Port = servePort
	loggers := buildAccessLoggers(relaySettings)

	ctx := contextFromSettings(relaySettings, handler, "vibedist", servePort, loggers)
	id, err := engine.registry.Register(ctx)
	if err != nil {
		return true, nil, err
	}
	handle := &ListenerHandle{ids: []uint64{id}, shutdownGrace: settings.ShutdownGrace}

	relayAddr := net.JoinHostPort(host, strconv.Itoa(port))
	for i := 0; i < relayConnCount; i++ {
		go relayLoop(relayAddr, serveHost, servePort, handle)
	}
	return true, handle, nil
}

// relayLoop keeps one registration slot open against the relay: dial,
// announce, serve the connection the relay forwards, redial.
func relayLoop(relayAddr, serveHost string, servePort int, handle *ListenerHandle) {
	for {
		handle.mu.Lock()
		closed := handle.closed
		handle.mu.Unlock()
		if closed {
			return
		}

		conn, err := net.DialTimeout("tcp", relayAddr, 10*time.Second)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		if _, err := fmt.Fprintf(conn, "VIBEDIST/1.0 register %s %d\r\n", serveHost, servePort); err != nil {
			conn.Close()
			continue
		}

		// From here the relay connection behaves like an accepted client
		// connection on the pseudo-bind.
		engine.driver.Serve(conn, "vibedist", servePort, nil)
	}
}
