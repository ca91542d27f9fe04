package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/starnet/blockchain/app/services/coordinator/handlers"
	"github.com/starnet/blockchain/foundation/blockchain/chain"
	"github.com/starnet/blockchain/foundation/blockchain/coordinator"
	"github.com/starnet/blockchain/foundation/events"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func newMux(t *testing.T) (*coordinator.Coordinator, http.Handler) {
	t.Helper()

	coord, err := coordinator.New(coordinator.Config{
		Address:    "127.0.0.1:0",
		Difficulty: 1,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to start a coordinator: %s", failed, err)
	}
	t.Cleanup(coord.Shutdown)

	mux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: make(chan os.Signal, 1),
		Log:      zap.NewNop().Sugar(),
		Coord:    coord,
		Evts:     events.New(),
	})

	return coord, mux
}

func call(mux http.Handler, method string, path string, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestSubmitTransaction(t *testing.T) {
	t.Log("Given the need to submit transactions over http.")
	{
		_, mux := newMux(t)

		w := call(mux, http.MethodPost, "/v1/tx/submit", `{"from":"alice","to":"bob","amount":5}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("\t%s\tShould create the transaction, got %d: %s", failed, w.Code, w.Body)
		}

		var tx struct {
			Signature string `json:"signature"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &tx); err != nil || tx.Signature != "sig_alice_bob_5" {
			t.Fatalf("\t%s\tShould return the signed transaction: %s", failed, w.Body)
		}
		t.Logf("\t%s\tShould create the transaction.", success)

		w = call(mux, http.MethodPost, "/v1/tx/submit", `{"from":"alice","to":"bob","amount":5}`)
		if w.Code != http.StatusConflict {
			t.Fatalf("\t%s\tShould reject a duplicate with 409, got %d.", failed, w.Code)
		}
		t.Logf("\t%s\tShould reject a duplicate with 409.", success)

		w = call(mux, http.MethodPost, "/v1/tx/submit", `{"to":"bob","amount":5}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("\t%s\tShould reject a missing sender with 400, got %d.", failed, w.Code)
		}

		var er struct {
			Fields map[string]string `json:"fields"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
			t.Fatalf("\t%s\tShould return an error document: %s", failed, err)
		}
		if _, exists := er.Fields["from"]; !exists {
			t.Fatalf("\t%s\tShould name the missing field: %s", failed, w.Body)
		}
		t.Logf("\t%s\tShould reject a missing sender with 400.", success)

		w = call(mux, http.MethodPost, "/v1/tx/submit", `{not json`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("\t%s\tShould reject garbage with 400, got %d.", failed, w.Code)
		}
		t.Logf("\t%s\tShould reject garbage with 400.", success)
	}
}

func TestQueries(t *testing.T) {
	t.Log("Given the need to inspect the coordinator over http.")
	{
		coord, mux := newMux(t)

		if err := coord.SubmitTransaction(chain.NewTx("carol", "dave", 7)); err != nil {
			t.Fatalf("\t%s\tShould seed the mempool: %s", failed, err)
		}

		var mp struct {
			Count int `json:"count"`
		}
		w := call(mux, http.MethodGet, "/v1/mempool", "")
		if err := json.Unmarshal(w.Body.Bytes(), &mp); err != nil || mp.Count != 1 {
			t.Fatalf("\t%s\tShould list the mempool: %s", failed, w.Body)
		}
		t.Logf("\t%s\tShould list the mempool.", success)

		var pv struct {
			Count int `json:"count"`
		}
		w = call(mux, http.MethodGet, "/v1/peers", "")
		if err := json.Unmarshal(w.Body.Bytes(), &pv); err != nil || pv.Count != 0 {
			t.Fatalf("\t%s\tShould list no peers: %s", failed, w.Body)
		}
		t.Logf("\t%s\tShould list no peers.", success)

		w = call(mux, http.MethodPost, "/v1/mining/signal", "")
		if w.Code != http.StatusAccepted {
			t.Fatalf("\t%s\tShould accept a mining signal, got %d.", failed, w.Code)
		}

		chainLen := func() int {
			var cv struct {
				Summary struct {
					Length int  `json:"length"`
					Valid  bool `json:"valid"`
				} `json:"summary"`
			}
			w := call(mux, http.MethodGet, "/v1/chain", "")
			if err := json.Unmarshal(w.Body.Bytes(), &cv); err != nil || !cv.Summary.Valid {
				return 0
			}
			return cv.Summary.Length
		}
		require.Eventually(t, func() bool { return chainLen() == 2 }, 5*time.Second, 10*time.Millisecond)
		t.Logf("\t%s\tShould mine a block after a mining signal.", success)

		var st struct {
			NodeID      string `json:"node_id"`
			BlocksMined int    `json:"blocks_mined"`
		}
		stats := func() bool {
			w := call(mux, http.MethodGet, "/v1/stats", "")
			return json.Unmarshal(w.Body.Bytes(), &st) == nil && st.BlocksMined == 1
		}
		require.Eventually(t, stats, 5*time.Second, 10*time.Millisecond)
		if st.NodeID != coordinator.DefaultNodeID {
			t.Fatalf("\t%s\tShould report the coordinator id: %s", failed, st.NodeID)
		}
		t.Logf("\t%s\tShould report stats.", success)

		w = call(mux, http.MethodDelete, "/v1/mempool", "")
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "cleared 1") {
			t.Fatalf("\t%s\tShould clear the mempool: %s", failed, w.Body)
		}
		if len(coord.Mempool()) != 0 {
			t.Fatalf("\t%s\tShould leave the mempool empty.", failed)
		}
		t.Logf("\t%s\tShould clear the mempool.", success)

		coord.Shutdown()
		w = call(mux, http.MethodPost, "/v1/mining/signal", "")
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("\t%s\tShould refuse a mining signal once stopped, got %d.", failed, w.Code)
		}
		t.Logf("\t%s\tShould refuse a mining signal once stopped.", success)
	}
}
