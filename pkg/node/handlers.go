package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
)

const maxSendBody = 1 << 20

// Handler returns the admin HTTP surface, instrumented per route.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /topology", telemetry.Instrument("topology", http.HandlerFunc(n.Topology)))
	mux.Handle("POST /connect", telemetry.Instrument("connect", http.HandlerFunc(n.ConnectHandler)))
	mux.Handle("POST /send/{address}", telemetry.Instrument("send", http.HandlerFunc(n.Send)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK while the node is running.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.ctx.Err() != nil {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time, and overlay counters.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID       int       `json:"pid"`
		Now       time.Time `json:"now"`
		Address   string    `json:"address"`
		Listen    string    `json:"listen"`
		Neighbors int       `json:"neighbors"`
		Known     int       `json:"known_nodes"`
	}
	writeJSON(w, resp{
		PID:       os.Getpid(),
		Now:       time.Now(),
		Address:   n.self.String(),
		Listen:    n.ListenAddr(),
		Neighbors: n.members.Len(),
		Known:     len(n.Nodes()),
	})
}

// Topology dumps the local network model.
func (n *Node) Topology(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Self      gossip.NodeAddress      `json:"self"`
		Neighbors []gossip.NodeAddress    `json:"neighbors"`
		Nodes     []gossip.NodeAddress    `json:"nodes"`
		Edges     [][2]gossip.NodeAddress `json:"edges"`
	}
	snap := n.model.Clone()
	edges := [][2]gossip.NodeAddress{}
	for _, e := range snap.Edges() {
		edges = append(edges, [2]gossip.NodeAddress{e.A, e.B})
	}
	writeJSON(w, resp{
		Self:      n.self,
		Neighbors: n.Adjacent(),
		Nodes:     snap.Nodes(),
		Edges:     edges,
	})
}

// ConnectHandler dials ?addr= and reports the new neighbor's address.
func (n *Node) ConnectHandler(w http.ResponseWriter, req *http.Request) {
	addr := req.URL.Query().Get("addr")
	if addr == "" {
		http.Error(w, "missing addr", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), n.cfg.HandshakeTimeout+5*time.Second)
	defer cancel()
	peer, err := n.Connect(ctx, NormalizeHostPort(addr, DefaultPort))
	if err != nil {
		n.log.Info("admin connect failed", zap.String("addr", addr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"address": peer.Address().String()})
}

// Send routes the request body as a string payload to the node in the path.
func (n *Node) Send(w http.ResponseWriter, req *http.Request) {
	dest, err := gossip.ParseNodeAddress(req.PathValue("address"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxSendBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = n.SendValue(req.Context(), dest, string(body))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, gossip.ErrRoutingExhausted):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
