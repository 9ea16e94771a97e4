package testing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Operation names used as keys of Service.Calls.
const (
	OpToken  = "token"
	OpCreate = "create"
	OpHead   = "head"
	OpPatch  = "patch"
	OpDelete = "delete"
	OpPoll   = "poll"
)

// PatchFault tells the fake service how to misbehave on a chunk write.
type PatchFault int

const (
	// PatchOK stores the chunk and acknowledges it.
	PatchOK PatchFault = iota
	// PatchDrop fails the request without storing anything.
	PatchDrop
	// PatchLoseAck stores the chunk but fails the response, as if the
	// acknowledgment got lost on the way back.
	PatchLoseAck
)

// Upload is a session held by the fake service.
type Upload struct {
	Length   int64
	Data     []byte
	Metadata map[string]string
}

// Service is an in-memory upload service speaking the token, tus and
// fingerprint endpoints. Failure knobs are read under the lock on each request,
// set them before the client starts.
type Service struct {
	*httptest.Server

	mu        sync.Mutex
	uploads   map[string]*Upload
	calls     map[string]int
	offsets   []int64
	nextID    int
	token     string
	clientID  string
	secret    string
	durableID string

	// DenyAccess makes the token exchange answer with a 403 marker.
	DenyAccess bool
	// TokenFailures, CreateFailures, HeadFailures, DeleteFailures and PollFailures
	// fail the first N calls of the given operation.
	TokenFailures  int
	CreateFailures int
	HeadFailures   int
	DeleteFailures int
	PollFailures   int
	// PatchFaults is consulted with the 1-based patch call number.
	PatchFaults func(call int) PatchFault
}

// NewService starts a fake service accepting the given credentials.
func NewService(clientID, secret string) *Service {
	s := &Service{
		uploads:   map[string]*Upload{},
		calls:     map[string]int{},
		token:     "upload-token",
		clientID:  clientID,
		secret:    secret,
		durableID: "durable",
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// APIURL is the base URL of the token and fingerprint endpoints.
func (s *Service) APIURL() string {
	return s.URL + "/api"
}

// Calls returns how many times the operation was invoked.
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of requests of any kind.
func (s *Service) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// AckedOffsets returns the offsets acknowledged to chunk writes, in order.
func (s *Service) AckedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets...)
}

// Upload returns a copy of the session with the given id.
func (s *Service) Upload(id string) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return Upload{}, false
	}
	return Upload{Length: u.Length, Data: append([]byte(nil), u.Data...), Metadata: u.Metadata}, true
}

// UploadCount returns the number of live sessions.
func (s *Service) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// DurableID is the identifier returned for a completed session.
func (s *Service) DurableID(sessionID string) string {
	return s.durableID + "-" + sessionID
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/upload":
		s.handleToken(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/fingerprint":
		s.handleFingerprint(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/files/":
		s.handleCreate(w, r)
	case strings.HasPrefix(r.URL.Path, "/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/files/")
		if r.Header.Get("Tus-Resumable") != "1.0.0" {
			http.Error(w, "unsupported tus version", http.StatusPreconditionFailed)
			return
		}
		switch r.Method {
		case http.MethodHead:
			s.handleHead(w, id)
		case http.MethodPatch:
			s.handlePatch(w, r, id)
		case http.MethodDelete:
			s.handleDelete(w, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) fail(op string, remaining *int) bool {
	s.calls[op]++
	if *remaining > 0 {
		*remaining--
		return true
	}
	return false
}

func (s *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.fail(OpToken, &s.TokenFailures) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if s.DenyAccess || r.PostFormValue("client_id") != s.clientID || r.PostFormValue("client_secret") != s.secret {
		writeJSON(w, map[string]interface{}{"success": false, "data": "Error 403: access denied for this account"})
		return
	}
	writeJSON(w, map[string]interface{}{
		"success": true,
		"data":    map[string]string{"url": s.URL + "/files/", "token": s.token},
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.fail(OpCreate, &s.CreateFailures) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.Header.Get("Tus-Resumable") != "1.0.0" {
		http.Error(w, "unsupported tus version", http.StatusPreconditionFailed)
		return
	}
	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < 0 {
		http.Error(w, "invalid Upload-Length", http.StatusBadRequest)
		return
	}
	metadata, err := decodeMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil || metadata["token"] != s.token {
		http.Error(w, "invalid upload token", http.StatusUnauthorized)
		return
	}

	s.nextID++
	id := fmt.Sprintf("sess%d", s.nextID)
	s.uploads[id] = &Upload{Length: length, Metadata: metadata}

	w.Header().Set("Location", "/files/"+id)
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) handleHead(w http.ResponseWriter, id string) {
	if s.fail(OpHead, &s.HeadFailures) {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	u, ok := s.uploads[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Upload-Offset", strconv.Itoa(len(u.Data)))
	w.Header().Set("Upload-Length", strconv.FormatInt(u.Length, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handlePatch(w http.ResponseWriter, r *http.Request, id string) {
	s.calls[OpPatch]++
	fault := PatchOK
	if s.PatchFaults != nil {
		fault = s.PatchFaults(s.calls[OpPatch])
	}

	u, ok := s.uploads[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if fault == PatchDrop {
		http.Error(w, "connection dropped", http.StatusBadGateway)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset != int64(len(u.Data)) {
		http.Error(w, "offset mismatch", http.StatusConflict)
		return
	}
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		http.Error(w, "invalid content type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if offset+int64(len(body)) > u.Length {
		http.Error(w, "upload exceeds declared length", http.StatusRequestEntityTooLarge)
		return
	}
	u.Data = append(u.Data, body...)

	if fault == PatchLoseAck {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}

	s.offsets = append(s.offsets, int64(len(u.Data)))
	w.Header().Set("Upload-Offset", strconv.Itoa(len(u.Data)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleDelete(w http.ResponseWriter, id string) {
	if s.fail(OpDelete, &s.DeleteFailures) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	delete(s.uploads, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	if s.fail(OpPoll, &s.PollFailures) {
		writeJSON(w, map[string]interface{}{"success": false, "data": "file is still processing"})
		return
	}
	id := r.PostFormValue("file_fingerprint")
	u, ok := s.uploads[id]
	if !ok || int64(len(u.Data)) != u.Length {
		writeJSON(w, map[string]interface{}{"success": false, "data": "unknown fingerprint"})
		return
	}
	writeJSON(w, map[string]interface{}{"success": true, "data": s.DurableID(id)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeMetadata(header string) (map[string]string, error) {
	metadata := map[string]string{}
	if header == "" {
		return metadata, nil
	}
	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid metadata pair: %q", pair)
		}
		value, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, err
		}
		metadata[parts[0]] = string(value)
	}
	return metadata, nil
}
