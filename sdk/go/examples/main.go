package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Autopilot/sdk/go/autopilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/lending/start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(autopilot.StartResponse{
			WorkerID:        "base:0x1111111111111111111111111111111111111111",
			DryRun:          true,
			IntervalSeconds: 300,
			Config:          json.RawMessage(`{"maxLTV":0.75,"targetLTV":0.6,"minYieldSpread":0,"paused":false}`),
			SignerBackend:   "none",
		})
	})
	mux.HandleFunc("GET /api/v1/lending/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"workers": []autopilot.WorkerState{{
			WorkerID:   "base:0x1111111111111111111111111111111111111111",
			Kind:       autopilot.KindLending,
			Status:     "running",
			CycleCount: 1,
			RecentLogs: []autopilot.CycleLog{{
				Timestamp:   time.Now().UTC(),
				CycleNumber: 1,
				Decision:    json.RawMessage(`{"kind":"hold","reason":"within target range"}`),
			}},
		}}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := autopilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started, err := client.Start(ctx, autopilot.KindLending, autopilot.StartRequest{
		Network: "base",
		Account: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("started worker %s (dryRun=%v, signer=%s)\n", started.WorkerID, started.DryRun, started.SignerBackend)

	workers, err := client.Status(ctx, autopilot.KindLending, started.WorkerID, 5)
	if err != nil {
		panic(err)
	}
	for _, w := range workers {
		for _, entry := range w.RecentLogs {
			fmt.Printf("%s cycle %d: %s\n", w.WorkerID, entry.CycleNumber, entry.DecisionKind())
		}
	}
}
