package httpapi

import (
	"encoding/hex"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/JeanOUINA/vite-work-server/internal/workpow"
)

// dispatch parses raw into an action and runs it, returning the HTTP
// status and JSON payload for the response.
func (s *Server) dispatch(raw map[string]interface{}) (int, interface{}) {
	action, _ := raw["action"].(string)
	if action == "" {
		return http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Work field missing")
	}

	switch action {
	case "work_generate":
		return s.workGenerate(raw)
	case "work_cancel":
		return s.workCancel(raw)
	case "work_validate":
		return s.workValidate(raw)
	case "benchmark":
		return s.benchmark(raw)
	case "status":
		return s.status()
	default:
		return http.StatusBadRequest, map[string]string{
			"error": "Unknown command",
			"hint":  "Supported commands: work_generate, work_cancel, work_validate, benchmark, status",
		}
	}
}

func errPayload(errMsg, hint string) map[string]string {
	return map[string]string{"error": errMsg, "hint": hint}
}

// requireHash extracts and decodes the "hash" field.
func requireHash(raw map[string]interface{}) (workpow.Root, int, map[string]string) {
	v, ok := raw["hash"]
	if !ok {
		return workpow.Root{}, http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Hash field missing")
	}
	s, ok := v.(string)
	if !ok {
		return workpow.Root{}, http.StatusBadRequest, errPayload("Bad block hash", "Expecting a hex string")
	}
	root, ferr := parseRoot(s)
	switch ferr {
	case errEmpty:
		return workpow.Root{}, http.StatusBadRequest, errPayload("Bad block hash", "Hash is empty. Expecting a hex string")
	case errInvalidHex:
		return workpow.Root{}, http.StatusBadRequest, errPayload("Bad block hash", "Expecting a hex string")
	case errTooShort:
		return workpow.Root{}, http.StatusBadRequest, errPayload("Bad block hash", "Hash is too short (should be 32 bytes)")
	case errTooLong:
		return workpow.Root{}, http.StatusBadRequest, errPayload("Bad block hash", "Hash is too long (should be 32 bytes)")
	}
	return root, 0, nil
}

// requireThreshold extracts and decodes the "threshold" field.
func requireThreshold(raw map[string]interface{}) (workpow.Threshold, int, map[string]string) {
	v, ok := raw["threshold"]
	if !ok {
		return workpow.Threshold{}, http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Threshold field missing")
	}
	s, ok := v.(string)
	if !ok {
		return workpow.Threshold{}, http.StatusBadRequest, errPayload("Bad threshold", "Expecting a hex string")
	}
	threshold, ferr := parseThreshold(s)
	switch ferr {
	case errEmpty:
		return workpow.Threshold{}, http.StatusBadRequest, errPayload("Bad threshold", "Threshold is empty. Expecting a hex string")
	case errInvalidHex:
		return workpow.Threshold{}, http.StatusBadRequest, errPayload("Bad threshold", "Expecting a hex string")
	case errTooShort:
		return workpow.Threshold{}, http.StatusBadRequest, errPayload("Bad threshold", "Threshold is too short (should be 32 bytes)")
	case errTooLong:
		return workpow.Threshold{}, http.StatusBadRequest, errPayload("Bad threshold", "Threshold is too long (should be 32 bytes)")
	}
	return threshold, 0, nil
}

// requireWork extracts and decodes the "work" field (work_validate only).
func requireWork(raw map[string]interface{}) (workpow.Nonce, int, map[string]string) {
	v, ok := raw["work"]
	if !ok {
		return workpow.Nonce{}, http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Work field missing")
	}
	s, ok := v.(string)
	if !ok {
		return workpow.Nonce{}, http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Expecting a hex string for work")
	}
	nonce, ferr := parseWork(s)
	switch ferr {
	case errEmpty:
		return workpow.Nonce{}, http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Work is empty. Expecting a hex string")
	case errInvalidHex:
		return workpow.Nonce{}, http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Expecting a hex string for work")
	case errTooLong:
		return workpow.Nonce{}, http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Work is too long (should be 8 bytes)")
	}
	return nonce, 0, nil
}

func (s *Server) workGenerate(raw map[string]interface{}) (int, interface{}) {
	root, status, errResp := requireHash(raw)
	if errResp != nil {
		return status, errResp
	}
	threshold, status, errResp := requireThreshold(raw)
	if errResp != nil {
		return status, errResp
	}

	s.log.Debug("received work request", "root", hex.EncodeToString(root[:]))
	start := time.Now()

	completion := s.state.Enqueue(root, threshold)
	result := completion.Wait()

	switch {
	case result.Err == nil:
		achieved := workpow.Compute(root, result.Nonce)
		s.log.Info("generated work", "root", hex.EncodeToString(root[:]),
			"elapsed", time.Since(start), "threshold", hex.EncodeToString(achieved[:]))
		wire := result.Nonce.Reversed()
		return http.StatusOK, map[string]string{
			"work":      hex.EncodeToString(wire[:]),
			"threshold": hex.EncodeToString(achieved[:]),
		}
	case errors.Is(result.Err, workpow.ErrCanceled):
		return http.StatusOK, map[string]string{"error": "Cancelled"}
	default:
		return http.StatusOK, map[string]string{"error": workpow.ErrErrored.Error()}
	}
}

func (s *Server) workCancel(raw map[string]interface{}) (int, interface{}) {
	root, status, errResp := requireHash(raw)
	if errResp != nil {
		return status, errResp
	}
	s.log.Debug("cancel requested", "root", hex.EncodeToString(root[:]))
	s.state.Cancel(root)
	return http.StatusOK, map[string]string{}
}

func (s *Server) workValidate(raw map[string]interface{}) (int, interface{}) {
	root, status, errResp := requireHash(raw)
	if errResp != nil {
		return status, errResp
	}
	nonce, status, errResp := requireWork(raw)
	if errResp != nil {
		return status, errResp
	}
	threshold, status, errResp := requireThreshold(raw)
	if errResp != nil {
		return status, errResp
	}

	s.log.Debug("validate requested", "root", hex.EncodeToString(root[:]))
	valid, digest := workpow.Meets(root, nonce, threshold)
	return http.StatusOK, map[string]interface{}{
		"valid":     valid,
		"threshold": hex.EncodeToString(digest[:]),
	}
}

func (s *Server) benchmark(raw map[string]interface{}) (int, interface{}) {
	threshold, status, errResp := requireThreshold(raw)
	if errResp != nil {
		return status, errResp
	}
	countVal, ok := raw["count"]
	if !ok {
		return http.StatusBadRequest, errPayload("Failed to deserialize JSON", "count field missing")
	}
	count, ok := parseCount(countVal)
	if !ok {
		return http.StatusBadRequest, errPayload("Failed to deserialize JSON", "Expecting a positive number for count")
	}

	s.log.Info("benchmarking", "count", count, "threshold", hex.EncodeToString(threshold[:]))

	// Sequential by design: this measures single-job latency, not
	// throughput, so the average stays meaningful.
	start := time.Now()
	for i := uint64(0); i < count; i++ {
		var root workpow.Root
		_, _ = rand.Read(root[:])
		completion := s.state.Enqueue(root, threshold)
		if result := completion.Wait(); result.Err != nil {
			return http.StatusInternalServerError, map[string]string{
				"error": "Benchmark failed",
				"hint":  "Work generation failure",
			}
		}
	}
	duration := time.Since(start).Milliseconds()
	average := duration / int64(count)

	s.log.Info("benchmark finished", "duration_ms", duration, "average_ms", average)
	return http.StatusOK, map[string]string{
		"threshold": hex.EncodeToString(threshold[:]),
		"count":     strconv.FormatUint(count, 10),
		"duration":  strconv.FormatInt(duration, 10),
		"average":   strconv.FormatInt(average, 10),
		"hint":      "Times in milliseconds",
	}
}

func (s *Server) status() (int, interface{}) {
	queueSize, generating := s.state.Status()
	gen := "0"
	if generating {
		gen = "1"
	}
	resp := map[string]string{
		"queue_size": strconv.Itoa(queueSize),
		"generating": gen,
	}
	s.log.Debug("status", "queue_size", queueSize, "generating", gen)
	return http.StatusOK, resp
}
