package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/opswell/hookrelay/internal/signature"
)

const (
	sigHeader = "X-OpsWell-Signature"
	tsHeader  = "X-OpsWell-Timestamp"
)

type receiver struct {
	secret     string
	failFirstN int64
	leeway     time.Duration
	reqCount   atomic.Int64
}

func main() {
	rcv := &receiver{leeway: 5 * time.Minute}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rcv.failFirstN = n
		}
	}
	rcv.secret = os.Getenv("WEBHOOK_SECRET")
	if v := os.Getenv("SIGNING_LEEWAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rcv.leeway = time.Duration(n) * time.Second
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	addr := os.Getenv("HTTP_PORT")
	if addr == "" {
		addr = ":8081"
	}
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (rcv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	count := rcv.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rcv.secret != "" {
		ok, msg := signature.VerifyWithLeeway(rcv.secret, r.Header.Get(tsHeader), b,
			r.Header.Get(sigHeader), rcv.leeway, time.Now())
		if !ok {
			log.Printf("fake-receiver rejected signature: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	// simulate flakiness: first N requests get a 500 so retry chains
	// have something to chew on
	if count <= rcv.failFirstN {
		log.Printf("FAILING (%d/%d) %s body=%s", count, rcv.failFirstN, r.URL.Path, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s body=%q", r.URL.Path, truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
