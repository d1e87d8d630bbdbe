package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// NewHTTPHandler builds ttserv's convenience HTTP mode (ttproxy serves
// no HTTP endpoint): one
// POST /<opcode_name> route per entry in ttdef.OpcodeByName, each
// accepting a raw JSON ttdef.Envelope body and returning a JSON
// ttdef.Response — the same request/response shapes the UDP transport
// carries, minus the opcode-header/zlib framing, for callers (curl,
// browser tooling, the proxy's own HTTP client) that would rather not
// speak the binary wire format directly.
func NewHTTPHandler(d *Dispatcher) http.Handler {
	mux := http.NewServeMux()
	for name, op := range ttdef.OpcodeByName {
		op := op
		mux.HandleFunc("/"+name, httpOpcodeHandler(d, op))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func httpOpcodeHandler(d *Dispatcher, op ttdef.Opcode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxDatagramBytes))
		if err != nil {
			http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
			return
		}
		var req ttdef.Envelope
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, fmt.Sprintf("decode envelope: %v", err), http.StatusBadRequest)
			return
		}

		var cli ttdef.CliId
		if req.CliId != "" {
			cli, err = ParseCliId(req.CliId)
			if err != nil {
				writeJSON(w, ttdef.Fail(req.Uuid, err))
				return
			}
		}

		resp := d.Dispatch(r.Context(), op, cli, req.Uuid, req.Msg)
		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, resp ttdef.Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == ttdef.StatusFail {
		w.WriteHeader(http.StatusBadRequest)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Op().Error("dispatch: encode http response failed", "error", err)
	}
}

// ServeHTTP starts an HTTP server on addr serving NewHTTPHandler(d),
// returning it so the caller can Shutdown it gracefully.
func ServeHTTP(ctx context.Context, addr string, d *Dispatcher) *http.Server {
	srv := &http.Server{Addr: addr, Handler: NewHTTPHandler(d)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("dispatch: http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	return srv
}
