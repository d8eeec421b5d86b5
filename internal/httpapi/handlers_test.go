package httpapi

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gethmetrics "github.com/ethereum/go-ethereum/metrics"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/JeanOUINA/vite-work-server/internal/metrics"
	"github.com/JeanOUINA/vite-work-server/internal/workpow"
	"github.com/JeanOUINA/vite-work-server/internal/workqueue"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	met := metrics.New(gethmetrics.NewRegistry())
	state := workqueue.NewState(false, 1, met)
	stop := make(chan struct{})
	go workqueue.RunCPUWorker(state, stop)
	return New(state, met), func() { close(stop) }
}

func post(t *testing.T, srv *Server, body map[string]interface{}) (int, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestNonPostIsRejected(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.JSONEq(t, `{"error":"Can only POST requests"}`, rec.Body.String())
}

func TestUnparseableBodyIs400(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"error":"Failed to deserialize JSON"}`, rec.Body.String())
}

func TestValidateKnownGood(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	zero32 := hex.EncodeToString(make([]byte, 32))
	code, resp := post(t, srv, map[string]interface{}{
		"action":    "work_validate",
		"hash":      zero32,
		"work":      "0000000000000000",
		"threshold": zero32,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, resp["valid"])

	h, err := blake2b.New(32, nil)
	require.NoError(t, err)
	var zeroNonce [8]byte
	var zeroRoot [32]byte
	h.Write(zeroNonce[:])
	h.Write(zeroRoot[:])
	want := hex.EncodeToString(h.Sum(nil))
	require.Equal(t, want, resp["threshold"])
}

func TestValidateBelowThreshold(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	zero32 := hex.EncodeToString(make([]byte, 32))
	ff32 := hex.EncodeToString(bytesOf(0xff, 32))
	code, resp := post(t, srv, map[string]interface{}{
		"action":    "work_validate",
		"hash":      zero32,
		"work":      "0000000000000000",
		"threshold": ff32,
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, resp["valid"])
}

func TestCancelPendingAndActive(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	impossible := hex.EncodeToString(bytesOf(0xff, 32))
	hashA := hex.EncodeToString(bytesOf(0xAA, 32))
	hashB := hex.EncodeToString(bytesOf(0xBB, 32))

	done := make(chan map[string]interface{}, 1)
	go func() {
		_, resp := post(t, srv, map[string]interface{}{"action": "work_generate", "hash": hashA, "threshold": impossible})
		done <- resp
	}()
	time.Sleep(20 * time.Millisecond) // let A become active

	goneB := make(chan struct{})
	go func() {
		post(t, srv, map[string]interface{}{"action": "work_generate", "hash": hashB, "threshold": impossible})
		close(goneB)
	}()
	time.Sleep(20 * time.Millisecond) // let B land in the pending queue

	code, resp := post(t, srv, map[string]interface{}{"action": "work_cancel", "hash": hashA})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, map[string]interface{}{}, resp)

	select {
	case resp := <-done:
		require.Equal(t, "Cancelled", resp["error"])
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request A never returned")
	}

	// B must now be active (promoted from pending); status reflects that.
	_, status := post(t, srv, map[string]interface{}{"action": "status"})
	require.Equal(t, "1", status["generating"])

	post(t, srv, map[string]interface{}{"action": "work_cancel", "hash": hashB})
	<-goneB
}

func TestBenchmark(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	zero32 := hex.EncodeToString(make([]byte, 32))
	code, resp := post(t, srv, map[string]interface{}{
		"action":    "benchmark",
		"threshold": zero32,
		"count":     float64(4),
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "4", resp["count"])
	require.Contains(t, resp, "average")
	require.Contains(t, resp, "duration")
}

func TestStatusWhilePendingAndActive(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	impossible := hex.EncodeToString(bytesOf(0xff, 32))
	hashA := hex.EncodeToString(bytesOf(0xAA, 32))
	hashB := hex.EncodeToString(bytesOf(0xBB, 32))

	doneA := make(chan struct{})
	go func() {
		post(t, srv, map[string]interface{}{"action": "work_generate", "hash": hashA, "threshold": impossible})
		close(doneA)
	}()
	time.Sleep(20 * time.Millisecond)

	doneB := make(chan struct{})
	go func() {
		post(t, srv, map[string]interface{}{"action": "work_generate", "hash": hashB, "threshold": impossible})
		close(doneB)
	}()
	time.Sleep(20 * time.Millisecond)

	_, resp := post(t, srv, map[string]interface{}{"action": "status"})
	require.Equal(t, "1", resp["queue_size"])
	require.Equal(t, "1", resp["generating"])

	post(t, srv, map[string]interface{}{"action": "work_cancel", "hash": hashA})
	post(t, srv, map[string]interface{}{"action": "work_cancel", "hash": hashB})
	<-doneA
	<-doneB
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
