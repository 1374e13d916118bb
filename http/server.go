package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/superfly/litedelta"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// Default settings
const (
	DefaultAddr = ":20303"
)

// Server represents the administrative HTTP API for a litedelta store.
type Server struct {
	ln net.Listener

	httpServer  *http.Server
	promHandler http.Handler

	addr  string
	store *litedelta.Store

	g      errgroup.Group
	ctx    context.Context
	cancel func()
}

// NewServer returns a new instance of Server.
func NewServer(store *litedelta.Store, addr string) *Server {
	s := &Server{
		addr:  addr,
		store: store,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: h2c.NewHandler(http.HandlerFunc(s.serveHTTP), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

func (s *Server) Listen() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}
	return nil
}

func (s *Server) Serve() {
	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}

// Close stops the server and waits for it to exit.
func (s *Server) Close() (err error) {
	s.cancel()
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	if s.ln != nil {
		_ = s.ln.Close() // already closed if serving
	}
	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug") {
		switch r.URL.Path {
		case "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			pprof.Profile(w, r)
		case "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			pprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)

	case "/backup/begin":
		switch r.Method {
		case http.MethodPost:
			s.handlePostBackupBegin(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}

	case "/backup/end":
		switch r.Method {
		case http.MethodPost:
			s.handlePostBackupEnd(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}

	case "/backup/status":
		switch r.Method {
		case http.MethodGet:
			s.handleGetBackupStatus(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}

	default:
		http.NotFound(w, r)
	}
}

// findDB returns the database named by the "db" query parameter.
func (s *Server) findDB(w http.ResponseWriter, r *http.Request) *litedelta.DB {
	name := r.URL.Query().Get("db")
	if name == "" {
		Error(w, r, fmt.Errorf("db required"), http.StatusBadRequest)
		return nil
	}

	db := s.store.DB(name)
	if db == nil {
		Error(w, r, litedelta.ErrDatabaseNotFound, http.StatusNotFound)
		return nil
	}
	return db
}

func (s *Server) handlePostBackupBegin(w http.ResponseWriter, r *http.Request) {
	db := s.findDB(w, r)
	if db == nil {
		return
	}
	serverRequestCountMetricVec.WithLabelValues(db.Name(), "begin").Inc()

	if err := db.BeginBackup(r.Context()); err != nil {
		Error(w, r, err, ErrorStatusCode(err))
		return
	}
	log.Printf("backup begun via http: db=%s", db.Name())
	s.writeStatus(w, r, db)
}

func (s *Server) handlePostBackupEnd(w http.ResponseWriter, r *http.Request) {
	db := s.findDB(w, r)
	if db == nil {
		return
	}
	serverRequestCountMetricVec.WithLabelValues(db.Name(), "end").Inc()

	var recover bool
	if v := r.URL.Query().Get("recover"); v != "" {
		var err error
		if recover, err = strconv.ParseBool(v); err != nil {
			Error(w, r, fmt.Errorf("invalid recover flag: %q", v), http.StatusBadRequest)
			return
		}
	}

	if err := db.EndBackup(r.Context(), recover); err != nil {
		Error(w, r, err, ErrorStatusCode(err))
		return
	}
	log.Printf("backup ended via http: db=%s recover=%v", db.Name(), recover)
	s.writeStatus(w, r, db)
}

func (s *Server) handleGetBackupStatus(w http.ResponseWriter, r *http.Request) {
	// Return every database if one is not specified.
	if r.URL.Query().Get("db") == "" {
		a := make([]*litedelta.BackupStatus, 0)
		for _, db := range s.store.DBs() {
			status, err := db.Status(r.Context())
			if err != nil {
				Error(w, r, fmt.Errorf("status %q: %w", db.Name(), err), ErrorStatusCode(err))
				return
			}
			a = append(a, status)
		}
		writeJSON(w, r, a)
		return
	}

	db := s.findDB(w, r)
	if db == nil {
		return
	}
	s.writeStatus(w, r, db)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, db *litedelta.DB) {
	status, err := db.Status(r.Context())
	if err != nil {
		Error(w, r, err, ErrorStatusCode(err))
		return
	}
	writeJSON(w, r, status)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: cannot write response: %s", err)
	}
}

// Error writes err to the response as JSON.
func Error(w http.ResponseWriter, r *http.Request, err error, code int) {
	log.Printf("http: error: %s", err)
	serverErrorCountMetricVec.WithLabelValues(strconv.Itoa(code)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&StatusError{Message: errorMessage(err)})
}

// HTTP server metrics.
var (
	serverRequestCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litedelta_http_backup_request_count",
		Help: "Number of backup requests received.",
	}, []string{"db", "op"})

	serverErrorCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litedelta_http_error_count",
		Help: "Number of error responses.",
	}, []string{"code"})
)
