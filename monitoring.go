package main

import (
	"fmt"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arrieromail/arriero/internal/config"

	// To enable live profiling in the monitoring server.
	_ "net/http/pprof"
)

// Build information, overridden at build time using
// -ldflags="-X main.version=blah".
var (
	version      = ""
	sourceDateTs = ""

	sourceDate time.Time
)

func parseVersionInfo() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		panic("unable to read build info")
	}

	dirty := false
	gitRev := ""
	gitTime := ""
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.modified":
			if s.Value == "true" {
				dirty = true
			}
		case "vcs.time":
			gitTime = s.Value
		case "vcs.revision":
			gitRev = s.Value
		}
	}

	if sourceDateTs != "" {
		sdts, err := strconv.ParseInt(sourceDateTs, 10, 0)
		if err != nil {
			panic(err)
		}

		sourceDate = time.Unix(sdts, 0)
	} else {
		sourceDate, _ = time.Parse(time.RFC3339, gitTime)
	}

	if version == "" {
		version = sourceDate.Format("20060102")

		if gitRev != "" {
			version += fmt.Sprintf("-%.9s", gitRev)
		}
		if dirty {
			version += "-dirty"
		}
	}
}

func launchMonitoringServer(conf *config.Config) {
	addr := conf.Listeners.Monitoring
	log.Infof("Monitoring HTTP server listening on %s", addr)

	osHostname, _ := os.Hostname()

	indexData := struct {
		Version    string
		GoVersion  string
		SourceDate time.Time
		StartTime  time.Time
		Hostname   string
	}{
		Version:    version,
		GoVersion:  runtime.Version(),
		SourceDate: sourceDate,
		StartTime:  time.Now(),
		Hostname:   osHostname,
	}

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if err := monitoringHTMLIndex.Execute(w, indexData); err != nil {
			log.Infof("monitoring handler error: %v", err)
		}
	})

	http.Handle("/metrics", promhttp.Handler())

	log.Fatalf("Monitoring server failed: %v",
		http.ListenAndServe(addr, nil))
}

// Static index for the monitoring server. Note the debug links are
// provided by handlers registered elsewhere on the default mux: net/trace,
// net/http/pprof, and the SMTP server's /debug/queue.
var monitoringHTMLIndex = template.Must(
	template.New("index").Funcs(template.FuncMap{
		"since": time.Since,
	}).Parse(
		`<!DOCTYPE html>
<html>
<head>
<title>arriero on {{.Hostname}}</title>
<style type="text/css">
  body { font-family: sans-serif; }
</style>
</head>
<body>
<h1>arriero @{{.Hostname}}</h1>

version {{.Version}}<br>
source date {{.SourceDate}}<br>
built with {{.GoVersion}}<br>
started {{.StartTime.Format "2006-01-02 15:04:05 -0700"}},
up for {{since .StartTime}}<br>

<ul>
  <li><a href="/metrics">metrics</a>
  <li><a href="/debug/queue">queue</a>
  <li><a href="/debug/requests">requests</a>
      <small><a href="https://pkg.go.dev/golang.org/x/net/trace">(ref)</a></small>
  <li><a href="/debug/events">events</a>
  <li><a href="/debug/pprof">pprof</a>
</ul>
</body>
</html>
`))
