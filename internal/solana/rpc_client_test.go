package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"token-escrow/internal/domain"
)

// rpcServer answers every JSON-RPC request with the result of handle.
func rpcServer(t *testing.T, handle func(req rpcRequest) any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  handle(req),
		})
	}))
	t.Cleanup(server.Close)
	return server
}

var programID = domain.EscrowProgramID

func TestHTTPClient_GetAccountInfo(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) any {
		if req.Method != "getAccountInfo" {
			t.Errorf("expected method getAccountInfo, got %s", req.Method)
		}
		if req.Params[0] != programID.String() {
			t.Errorf("unexpected address param %v", req.Params[0])
		}
		return map[string]any{
			"value": map[string]any{
				"lamports":   uint64(1000000),
				"owner":      "11111111111111111111111111111111",
				"data":       []string{"SGVsbG8gV29ybGQ=", "base64"},
				"executable": false,
				"rentEpoch":  uint64(100),
			},
		}
	})

	info, err := NewHTTPClient(server.URL).GetAccountInfo(context.Background(), programID)
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info == nil {
		t.Fatal("expected account info, got nil")
	}
	if info.Lamports != 1000000 {
		t.Errorf("expected lamports 1000000, got %d", info.Lamports)
	}
	if info.Owner != domain.SystemProgramID {
		t.Errorf("unexpected owner: %s", info.Owner)
	}
	if string(info.Data) != "Hello World" {
		t.Errorf("unexpected data: %q", info.Data)
	}
}

func TestHTTPClient_GetAccountInfo_NotFound(t *testing.T) {
	server := rpcServer(t, func(rpcRequest) any {
		return map[string]any{"value": nil}
	})

	info, err := NewHTTPClient(server.URL).GetAccountInfo(context.Background(), programID)
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil for not found, got %+v", info)
	}
}

func TestHTTPClient_GetAccountInfo_BadEncoding(t *testing.T) {
	server := rpcServer(t, func(rpcRequest) any {
		return map[string]any{
			"value": map[string]any{
				"owner": "11111111111111111111111111111111",
				"data":  []string{"abc", "base58"},
			},
		}
	})

	if _, err := NewHTTPClient(server.URL).GetAccountInfo(context.Background(), programID); err == nil {
		t.Fatal("expected error for non-base64 data")
	}
}

func TestHTTPClient_GetProgramAccounts(t *testing.T) {
	disc := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	var captured []any

	server := rpcServer(t, func(req rpcRequest) any {
		if req.Method != "getProgramAccounts" {
			t.Errorf("expected method getProgramAccounts, got %s", req.Method)
		}
		config, _ := req.Params[1].(map[string]any)
		captured, _ = config["filters"].([]any)
		return []map[string]any{
			{
				"pubkey": "HLze5gPcuXFLGov2y6Jbrbkm4zKVQ8gEAugv8JcBXDUz",
				"account": map[string]any{
					"lamports": uint64(5),
					"owner":    programID.String(),
					"data":     []string{"AQID", "base64"},
				},
			},
		}
	})

	accounts, err := NewHTTPClient(server.URL).GetProgramAccounts(context.Background(), programID, &ProgramAccountsOpts{
		DataSize: 121,
		Memcmp:   []MemcmpFilter{{Offset: 0, Bytes: disc}},
	})
	if err != nil {
		t.Fatalf("GetProgramAccounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if accounts[0].Address != programID {
		t.Errorf("unexpected address %s", accounts[0].Address)
	}
	if !bytes.Equal(accounts[0].Account.Data, []byte{1, 2, 3}) {
		t.Errorf("unexpected data %v", accounts[0].Account.Data)
	}

	if len(captured) != 2 {
		t.Fatalf("expected 2 filters, got %v", captured)
	}
	size, _ := captured[0].(map[string]any)
	if size["dataSize"] != float64(121) {
		t.Errorf("unexpected dataSize filter %v", size)
	}
	memcmp, _ := captured[1].(map[string]any)["memcmp"].(map[string]any)
	if memcmp["bytes"] != base58.Encode(disc) {
		t.Errorf("unexpected memcmp filter %v", memcmp)
	}
}

func TestHTTPClient_GetTransaction(t *testing.T) {
	server := rpcServer(t, func(req rpcRequest) any {
		if req.Method != "getTransaction" {
			t.Errorf("expected method getTransaction, got %s", req.Method)
		}
		return map[string]any{
			"slot":      int64(123456),
			"blockTime": int64(1700000000),
			"meta": map[string]any{
				"err":         nil,
				"logMessages": []string{"Program log: Instruction: Take"},
			},
		}
	})

	tx, err := NewHTTPClient(server.URL).GetTransaction(context.Background(), "testsig123")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx == nil {
		t.Fatal("expected transaction, got nil")
	}
	if tx.Slot != 123456 || tx.BlockTime != 1700000000 {
		t.Errorf("unexpected slot/blockTime %d/%d", tx.Slot, tx.BlockTime)
	}
	if tx.Meta == nil || len(tx.Meta.LogMessages) != 1 {
		t.Errorf("unexpected meta %+v", tx.Meta)
	}
}

func TestHTTPClient_GetTransaction_NotFound(t *testing.T) {
	server := rpcServer(t, func(rpcRequest) any { return nil })

	tx, err := NewHTTPClient(server.URL).GetTransaction(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx != nil {
		t.Errorf("expected nil for not found, got %+v", tx)
	}
}

func TestHTTPClient_Retry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": int64(999)})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL,
		WithMaxRetries(3),
		WithRetryDelay(10*time.Millisecond),
	)

	slot, err := client.GetSlot(context.Background())
	if err != nil {
		t.Fatalf("GetSlot: %v", err)
	}
	if slot != 999 {
		t.Errorf("expected slot 999, got %d", slot)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestHTTPClient_RPCError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32600, "message": "Invalid Request"},
		})
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond)).GetSlot(context.Background())
	rpcErr, ok := err.(*rpcError)
	if !ok {
		t.Fatalf("expected rpcError, got %T (%v)", err, err)
	}
	if rpcErr.Code != -32600 {
		t.Errorf("expected code -32600, got %d", rpcErr.Code)
	}
	if attempts.Load() != 1 {
		t.Errorf("node errors must not be retried, got %d attempts", attempts.Load())
	}
}

func TestHTTPClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewHTTPClient(server.URL).GetSlot(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
