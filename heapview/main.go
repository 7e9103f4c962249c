// Command heapview serves postmortem inspection sessions over HTTP.
//
// Each session is a core file, its executable, and optionally a Go heapdump
// written by the same process:
//
//	curl -XPOST localhost:8092/v1/sessions -d '{"snapshot":"core","executable":"a.out","heapdump":"dump"}'
//	curl localhost:8092/v1/sessions/$ID/types
//	curl localhost:8092/v1/sessions/$ID/types/0/next
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tombergan/heapscope/config"
	"github.com/tombergan/heapscope/corefile"
	"github.com/tombergan/heapscope/heapdump"
	"github.com/tombergan/heapscope/session"
)

var (
	addr        = flag.String("addr", "", "listen address (default $HEAPSCOPE_ADDR or "+config.DefaultAddr+")")
	debugLevel  = flag.Int("debuglevel", -1, "debug verbosity level (default $HEAPSCOPE_DEBUG_LEVEL)")
	maxElements = flag.Int("max", 0, "words and referrers listed per object (default $HEAPSCOPE_MAX_ELEMENTS)")
	sysroot     = flag.String("sysroot", "", "prefix for shared library paths (default $HEAPSCOPE_SYSROOT)")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: heapview [flags] [corefile executable [heapdump]]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func overrides() config.Overrides {
	var o config.Overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			o.Addr = addr
		case "debuglevel":
			o.DebugLevel = debugLevel
		case "max":
			o.MaxElements = maxElements
		case "sysroot":
			o.SysRoot = sysroot
		}
	})
	if n := flag.NArg(); n == 2 || n == 3 {
		core, exe := flag.Arg(0), flag.Arg(1)
		o.Core, o.Executable = &core, &exe
		if n == 3 {
			dump := flag.Arg(2)
			o.Heapdump = &dump
		}
	} else if n != 0 {
		usage()
	}
	return o
}

func setDebugLevel(level int) {
	if level <= 0 {
		return
	}
	logf := func(verbosityLevel int, format string, args ...interface{}) {
		if verbosityLevel <= level {
			log.Printf(format, args...)
		}
	}
	corefile.DebugLogf = logf
	heapdump.DebugLogf = logf
	session.DebugLogf = logf
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(overrides())
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	setDebugLevel(cfg.DebugLevel)
	if cfg.DebugLevel == 0 {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := corefile.Options{SysRoot: cfg.SysRoot}
	srv := newServer(
		func() session.Backend { return corefile.NewBackend(opts) },
		func(path string) session.ObjectModel { return heapdump.NewModel(path) },
		cfg.MaxElements)
	defer srv.closeAll()

	if cfg.Core != "" {
		fmt.Println("Loading...")
		id, err := srv.openSession(createSessionRequest{Snapshot: cfg.Core, Executable: cfg.Executable, Heapdump: cfg.Heapdump})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("session %s\n", id)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
	}))
	router.Use(loggingMiddleware())
	srv.routes(router)

	hs := &http.Server{Addr: cfg.Addr, Handler: router}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Listening on %s\n", cfg.Addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
