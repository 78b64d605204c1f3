package mainboilerplate

import (
	"context"
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" default:"8089" description:"Port of the diagnostics HTTP server. If empty, diagnostics are not served"`
}

// Readiness is reported by the /debug/ready handler. It's not ready until
// MarkReady is called.
type Readiness struct{ ready atomic.Bool }

// MarkReady marks the process as ready (or not) to serve queries.
func (r *Readiness) MarkReady(ready bool) { r.ready.Store(ready) }

func (r *Readiness) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
	} else {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}
}

// InitDiagnosticsAndRecover registers metrics and readiness handlers on the
// default HTTPMux, alongside the pprof and expvar handlers. It also returns a
// closure which should be deferred, which recovers a panic and attempts to
// log a K8s termination message.
func InitDiagnosticsAndRecover(ready *Readiness) func() {
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars

	http.Handle("/debug/ready", ready)
	http.Handle("/debug/metrics", promhttp.Handler())

	return func() {
		if r := recover(); r != nil {
			// Best effort. Bug: https://github.com/kubernetes/kubernetes/issues/31839
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// ServeDiagnostics serves the default HTTPMux on the configured port until
// |ctx| is cancelled, and then shuts the server down.
func ServeDiagnostics(ctx context.Context, cfg DiagnosticsConfig) error {
	if cfg.Port == "" {
		<-ctx.Done()
		return nil
	}
	var ln, err = net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return errors.WithMessage(err, "listening for diagnostics")
	}
	var srv = &http.Server{ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()

		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", ln.Addr().String()).Info("serving diagnostics")

	if err = srv.Serve(ln); err == http.ErrServerClosed {
		err = nil
	}
	return err
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

// k8sTerminationLog is the location to write a termination message for
// Kubernetes to retrieve.
//
// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
const k8sTerminationLog = "/dev/termination-log"
