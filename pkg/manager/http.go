// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package manager

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/stat"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServer struct {
	// To be set before calling Serve.
	Addr      string
	StartTime time.Time
	Manager   *Manager
}

func (serv *HTTPServer) Serve(ctx context.Context) error {
	if serv.Addr == "" {
		return fmt.Errorf("starting a disabled HTTP server")
	}
	log.Logf(0, "serving http on http://%v", serv.Addr)
	server := &http.Server{Addr: serv.Addr, Handler: serv.router()}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (serv *HTTPServer) router() http.Handler {
	r := chi.NewRouter()
	r.Mount("/debug", middleware.Profiler())
	r.Group(func(r chi.Router) {
		r.Use(handlers.CompressHandler)
		r.Get("/", serv.httpMain)
		r.Get("/graph", serv.httpGraph)
		r.Get("/lineage/{state}", serv.httpLineage)
		r.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
		r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {})
	})
	return r
}

func (serv *HTTPServer) httpMain(w http.ResponseWriter, r *http.Request) {
	summary := serv.Manager.Summary()
	data := &UISummaryData{
		RunID:      summary.RunID,
		Uptime:     time.Since(serv.StartTime).Truncate(time.Second),
		Generation: summary.Generation,
		Round:      summary.Round,
		Log:        log.CachedLogOutput(),
	}
	for gen, n := range summary.Buckets {
		data.Buckets = append(data.Buckets, UIBucket{Generation: gen, Snapshots: n})
	}
	for _, st := range stat.Collect(stat.All) {
		data.Stats = append(data.Stats, UIStat{
			Name:  st.Name,
			Value: st.Value,
			Hint:  st.Desc,
		})
	}
	executeTemplate(w, mainTemplate, data)
}

func (serv *HTTPServer) httpGraph(w http.ResponseWriter, r *http.Request) {
	data, err := serv.Manager.Graph()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode json: %v", err), http.StatusInternalServerError)
		return
	}
	if data == nil {
		http.Error(w, "the graph is not ready yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (serv *HTTPServer) httpLineage(w http.ResponseWriter, r *http.Request) {
	lineage := serv.Manager.Lineage(chi.URLParam(r, "state"))
	if len(lineage) == 0 {
		http.Error(w, "no such state", http.StatusNotFound)
		return
	}
	data, err := json.MarshalIndent(lineage, "", "\t")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode json: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func executeTemplate(w http.ResponseWriter, templ *template.Template, data interface{}) {
	buf := new(bytes.Buffer)
	if err := templ.Execute(buf, data); err != nil {
		log.Logf(0, "failed to execute template: %v", err)
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
		return
	}
	w.Write(buf.Bytes())
}

type UISummaryData struct {
	RunID      string
	Uptime     time.Duration
	Generation int
	Round      int
	Buckets    []UIBucket
	Stats      []UIStat
	Log        string
}

type UIBucket struct {
	Generation int
	Snapshots  int
}

type UIStat struct {
	Name  string
	Value string
	Hint  string
}

//go:embed html/*.html
var htmlFiles embed.FS

var mainTemplate = template.Must(template.ParseFS(htmlFiles, "html/main.html"))
