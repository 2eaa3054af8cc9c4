// Command rawhttpd-demo runs a small demonstration server. With
// --disthost set, the server registers against a distributed front-end
// relay instead of binding locally.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/WhileEndless/rawhttpd"
)

func main() {
	distHost := flag.String("disthost", "", "distributed front-end host; empty binds locally")
	distPort := flag.Int("distport", 11000, "distributed front-end port")
	port := flag.Int("port", 8080, "port to listen on")
	addr := flag.String("addr", "127.0.0.1", "address to bind")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if *distHost != "" {
		rawhttpd.SetVibeDistHost(*distHost, *distPort)
	}

	settings := rawhttpd.ServerSettings{
		BindAddresses: []string{*addr},
		Port:          *port,
		Compression:   true,
		AccessLogSink: os.Stdout,
		Logger:        sugar,
	}

	handle, err := rawhttpd.Listen(settings, func(req *rawhttpd.Request, resp *rawhttpd.Response) {
		switch req.Path {
		case "/":
			_ = resp.WriteBodyString("hello from rawhttpd over " + req.HTTPVersion + "\n")
		case "/json":
			_ = resp.WriteJSONBody(map[string]interface{}{
				"path":  req.Path,
				"proto": req.HTTPVersion,
				"tls":   req.TLS,
			}, false)
		case "/old":
			_ = resp.Redirect("/", 301)
		default:
			panic(rawhttpd.NewHTTPStatusError(404, "no such page: "+req.Path))
		}
	})
	if err != nil {
		sugar.Fatalw("listen", "error", err)
	}

	sugar.Infow("listening", "addr", *addr, "port", *port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if err := handle.StopListening(); err != nil {
		sugar.Errorw("shutdown", "error", err)
	}
}
