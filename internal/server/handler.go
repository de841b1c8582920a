package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tiercache/internal/cache"
)

// Handler serves the command protocol: POST requests whose body is a JSON
// array of command tokens, answered with {"result": <value>}.
type Handler struct {
	store  *store
	token  string
	logger zerolog.Logger
}

func newHandler(store *store, token string, logger zerolog.Logger) *Handler {
	return &Handler{store: store, token: token, logger: logger}
}

// NewMemoryBackedHandler serves the command protocol from the given memory
// cache, so the protocol can be mounted on any mux. An empty token disables
// authentication. The caller keeps ownership of the cache's lifecycle.
func NewMemoryBackedHandler(memory *cache.Memory, token string, logger zerolog.Logger) *Handler {
	return newHandler(newStore(memory), token, logger)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var args []string
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of command tokens")
		return
	}
	if len(args) == 0 {
		writeError(w, http.StatusBadRequest, "empty command")
		return
	}

	result, ok := h.dispatch(args)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or malformed command: "+args[0])
		return
	}

	h.logger.Debug().Str("command", args[0]).Msg("command served")
	writeResult(w, result)
}

// dispatch executes one command. Returns ok=false for commands the protocol
// does not know or with the wrong arity.
func (h *Handler) dispatch(args []string) (any, bool) {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "PING":
		return "PONG", true

	case "GET":
		if len(rest) != 1 {
			return nil, false
		}
		if v, ok := h.store.get(rest[0]); ok {
			return v, true
		}
		return nil, true

	case "SET":
		// SET key value [EX seconds]
		if len(rest) != 2 && !(len(rest) == 4 && rest[2] == "EX") {
			return nil, false
		}
		ttl := time.Duration(0)
		if len(rest) == 4 {
			seconds, err := strconv.ParseInt(rest[3], 10, 64)
			if err != nil || seconds <= 0 {
				return nil, false
			}
			ttl = time.Duration(seconds) * time.Second
		}
		h.store.set(rest[0], rest[1], ttl)
		return "OK", true

	case "DEL":
		if len(rest) != 1 {
			return nil, false
		}
		return h.store.del(rest[0]), true

	case "EXISTS":
		if len(rest) != 1 {
			return nil, false
		}
		return h.store.exists(rest[0]), true

	case "TTL":
		if len(rest) != 1 {
			return nil, false
		}
		return h.store.ttl(rest[0]), true

	case "KEYS":
		if len(rest) != 1 {
			return nil, false
		}
		return h.store.keys(rest[0]), true

	case "SADD":
		if len(rest) != 2 {
			return nil, false
		}
		return h.store.sadd(rest[0], rest[1]), true

	case "SMEMBERS":
		if len(rest) != 1 {
			return nil, false
		}
		return h.store.smembers(rest[0]), true

	case "EXPIRE":
		if len(rest) != 2 {
			return nil, false
		}
		seconds, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil || seconds <= 0 {
			return nil, false
		}
		return h.store.expire(rest[0], time.Duration(seconds)*time.Second), true

	default:
		return nil, false
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": result}) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": msg}) //nolint:errcheck
}
