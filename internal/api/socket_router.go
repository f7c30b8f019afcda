package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jsbattig/share-things-sub004/internal/config"
	"github.com/jsbattig/share-things-sub004/internal/logger"
	"github.com/jsbattig/share-things-sub004/internal/models"
	"github.com/jsbattig/share-things-sub004/internal/session"
	"github.com/jsbattig/share-things-sub004/internal/storage"
)

// Error codes surfaced to clients on the error event.
const (
	codePassphraseMismatch = "PASSPHRASE_MISMATCH"
	codeSessionExpired     = "SESSION_EXPIRED"
	codeUnauthorized       = "UNAUTHORIZED"
	codeNotFound           = "NOT_FOUND"
	codeOutOfOrder         = "OUT_OF_ORDER"
	codeStorageError       = "STORAGE_ERROR"
	codeProtocolError      = "PROTOCOL_ERROR"
)

// pendingChunkLimit bounds how many chunks may queue for a content item
// whose metadata announcement has not arrived yet.
const pendingChunkLimit = 64

type pendingChunk struct {
	chunk  *models.Chunk
	origin *Client
}

// SocketRouter dispatches socket events. Handlers validate the session
// binding, touch the registry, mutate state, and fan out; fan-out never runs
// under a storage or registry lock.
type SocketRouter struct {
	registry *session.Registry
	store    *storage.ChunkStore
	hub      *Hub
	cfg      *config.Config
	logger   *logger.Logger

	pendingMu sync.Mutex
	pending   map[string][]pendingChunk
}

// NewSocketRouter creates the event router.
func NewSocketRouter(registry *session.Registry, store *storage.ChunkStore, hub *Hub, cfg *config.Config, l *logger.Logger) *SocketRouter {
	return &SocketRouter{
		registry: registry,
		store:    store,
		hub:      hub,
		cfg:      cfg,
		logger:   l,
		pending:  make(map[string][]pendingChunk),
	}
}

// Handle processes one inbound envelope from a client connection.
func (r *SocketRouter) Handle(c *Client, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Printf("Protocol error from %s: %v", c.remoteAddr, err)
		r.sendError(c, codeProtocolError, "malformed envelope")
		return
	}

	ctx := context.Background()

	switch env.Event {
	case models.EventJoin:
		r.handleJoin(ctx, c, env.Data, false)
	case models.EventRejoin:
		r.handleJoin(ctx, c, env.Data, true)
	case models.EventLeave:
		r.handleLeave(ctx, c)
	case models.EventContent:
		r.handleContent(ctx, c, env.Data)
	case models.EventChunk:
		r.handleChunk(ctx, c, env.Data)
	case models.EventPin:
		r.handlePin(ctx, c, env.Data, true)
	case models.EventUnpin:
		r.handlePin(ctx, c, env.Data, false)
	case models.EventRename:
		r.handleRename(ctx, c, env.Data)
	case models.EventClearAll:
		r.handleClearAll(ctx, c, env.Data)
	default:
		r.logger.Printf("Unknown event %q from %s", env.Event, c.remoteAddr)
		r.sendError(c, codeProtocolError, "unknown event "+env.Event)
	}
}

func (r *SocketRouter) handleJoin(ctx context.Context, c *Client, data json.RawMessage, rejoin bool) {
	var req models.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		r.sendError(c, codeProtocolError, "malformed join payload")
		return
	}
	if err := req.Validate(); err != nil {
		r.sendError(c, codeProtocolError, err.Error())
		return
	}

	var result *session.JoinResult
	var err error
	if rejoin {
		result, err = r.registry.Rejoin(ctx, req.SessionID, req.ClientID, req.ClientName, req.Fingerprint)
	} else {
		result, err = r.registry.JoinOrCreate(ctx, req.SessionID, req.ClientID, req.ClientName, req.Fingerprint)
	}
	if err != nil {
		r.sendError(c, joinErrorCode(err), joinErrorMessage(err))
		return
	}

	manifest, err := r.store.ListContent(ctx, req.SessionID, r.cfg.MaxItemsToSend)
	if err != nil {
		r.logger.Printf("WARNING: manifest load for %s failed: %v", req.SessionID, err)
		manifest = []models.ContentMetadata{}
	}

	c.Bind(req.SessionID, result.ClientID)
	r.hub.JoinRoom(req.SessionID, c)

	r.sendEvent(c, models.EventJoined, models.JoinReply{
		SessionID:       req.SessionID,
		ClientID:        result.ClientID,
		Token:           result.Token,
		Clients:         result.Peers,
		ContentManifest: manifest,
	})

	notice := models.ClientNotice{ClientID: result.ClientID, Name: req.ClientName}
	if rejoin {
		r.hub.BroadcastToSession(req.SessionID, c, models.EventClientRejoined, notice)
	} else {
		r.hub.BroadcastToSession(req.SessionID, c, models.EventClientJoined, notice)
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrPassphraseMismatch):
		return codePassphraseMismatch
	case errors.Is(err, session.ErrSessionExpired):
		return codeSessionExpired
	default:
		return codeStorageError
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrPassphraseMismatch):
		return "invalid passphrase for session"
	case errors.Is(err, session.ErrSessionExpired):
		return "session expired, rejoin to continue"
	default:
		return "join failed"
	}
}

func (r *SocketRouter) handleLeave(ctx context.Context, c *Client) {
	sessionID, clientID, ok := r.requireBinding(c)
	if !ok {
		return
	}

	name := r.memberName(sessionID, clientID)
	if err := r.registry.Leave(ctx, sessionID, clientID); err != nil {
		r.logger.Printf("WARNING: leave %s/%s: %v", sessionID, clientID, err)
	}
	r.hub.LeaveRoom(c)
	c.Unbind()

	r.hub.BroadcastToSession(sessionID, c, models.EventClientLeft,
		models.ClientNotice{ClientID: clientID, Name: name})
}

// handleDisconnect mirrors leave for a dropped connection.
func (r *SocketRouter) handleDisconnect(c *Client) {
	sessionID, clientID := c.Binding()
	if sessionID == "" {
		return
	}

	name := r.memberName(sessionID, clientID)
	if err := r.registry.Leave(context.Background(), sessionID, clientID); err != nil {
		r.logger.Printf("WARNING: disconnect leave %s/%s: %v", sessionID, clientID, err)
	}
	r.hub.LeaveRoom(c)
	c.Unbind()

	r.hub.BroadcastToSession(sessionID, c, models.EventClientLeft,
		models.ClientNotice{ClientID: clientID, Name: name})
}

func (r *SocketRouter) handleContent(ctx context.Context, c *Client, data json.RawMessage) {
	sessionID, clientID, ok := r.requireBinding(c)
	if !ok {
		return
	}
	r.registry.Touch(ctx, sessionID)

	var ann models.ContentAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		r.sendError(c, codeProtocolError, "malformed content payload")
		return
	}
	if err := ann.Validate(); err != nil {
		r.sendError(c, codeProtocolError, err.Error())
		return
	}
	if ann.Metadata.SessionID != sessionID {
		r.sendError(c, codeUnauthorized, "content session does not match connection")
		return
	}

	// The sender identity comes from the binding, not the payload.
	ann.Metadata.SenderID = clientID

	if err := r.store.SaveContent(ctx, &ann.Metadata); err != nil {
		r.logger.Printf("ERROR: save content %s: %v", ann.Metadata.ContentID, err)
		r.sendError(c, codeStorageError, "failed to persist content")
		return
	}

	// A non-chunked body persists as the content's single chunk so rejoining
	// clients can fetch it later. The ciphertext stays opaque.
	if !ann.Metadata.IsChunked && ann.Body != "" {
		body, err := base64.StdEncoding.DecodeString(ann.Body)
		if err != nil {
			r.sendError(c, codeProtocolError, "body must be base64")
			return
		}
		if _, err := r.store.SaveChunk(ctx, sessionID, &models.Chunk{
			ContentID:   ann.Metadata.ContentID,
			ChunkIndex:  0,
			TotalChunks: 1,
			IV:          ann.Metadata.EncryptionMetadata.IV,
		}, body); err != nil {
			r.logger.Printf("ERROR: save content body %s: %v", ann.Metadata.ContentID, err)
			r.sendError(c, codeStorageError, "failed to persist content")
			return
		}
	}

	// Peers get the identical payload; the sender never gets an echo.
	r.hub.BroadcastToSession(sessionID, c, models.EventContent, ann)

	r.flushPending(ctx, sessionID, ann.Metadata.ContentID)
}

func (r *SocketRouter) handleChunk(ctx context.Context, c *Client, data json.RawMessage) {
	sessionID, _, ok := r.requireBinding(c)
	if !ok {
		return
	}
	r.registry.Touch(ctx, sessionID)

	var chunk models.Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		r.sendError(c, codeProtocolError, "malformed chunk payload")
		return
	}
	if err := chunk.Validate(); err != nil {
		r.sendError(c, codeProtocolError, err.Error())
		return
	}

	meta, err := r.store.GetContentMetadata(ctx, chunk.ContentID)
	if err == storage.ErrNotFound {
		// Metadata still in flight: hold the chunk against its arrival.
		if !r.bufferChunk(sessionID, c, &chunk) {
			r.sendError(c, codeOutOfOrder, "chunk buffer overflow for "+chunk.ContentID)
		}
		return
	}
	if err != nil {
		r.logger.Printf("ERROR: chunk metadata lookup %s: %v", chunk.ContentID, err)
		r.sendError(c, codeStorageError, "failed to load content metadata")
		return
	}
	if meta.SessionID != sessionID {
		r.sendError(c, codeUnauthorized, "chunk session does not match connection")
		return
	}

	r.persistAndFanOut(ctx, c, sessionID, &chunk, meta.IsLargeFile)
}

// persistAndFanOut saves one chunk and forwards it. Large-file chunks are
// persisted only; peers fetch those over HTTP.
func (r *SocketRouter) persistAndFanOut(ctx context.Context, origin *Client, sessionID string, chunk *models.Chunk, largeFile bool) {
	completed, err := r.store.SaveChunk(ctx, sessionID, chunk, []byte(chunk.EncryptedData))
	if err != nil {
		r.logger.Printf("ERROR: save chunk %s/%d: %v", chunk.ContentID, chunk.ChunkIndex, err)
		r.sendError(origin, codeStorageError, "failed to persist chunk")
		return
	}

	if !largeFile {
		r.hub.BroadcastToSession(sessionID, origin, models.EventChunk, chunk)
	}

	if completed {
		meta, err := r.store.GetContentMetadata(ctx, chunk.ContentID)
		if err != nil {
			r.logger.Printf("WARNING: completed metadata reload %s: %v", chunk.ContentID, err)
			return
		}
		r.hub.BroadcastToSession(sessionID, origin, models.EventContent,
			models.ContentAnnouncement{Metadata: *meta})
	}
}

// pendingKey scopes the buffer to the origin's session: content IDs are
// client-chosen, so the same ID announced in another session must not drain
// this one's queue.
func pendingKey(sessionID, contentID string) string {
	return sessionID + "\x00" + contentID
}

// bufferChunk queues a chunk whose metadata has not arrived. Returns false
// when the per-content bound is exhausted.
func (r *SocketRouter) bufferChunk(sessionID string, origin *Client, chunk *models.Chunk) bool {
	key := pendingKey(sessionID, chunk.ContentID)

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	queue := r.pending[key]
	if len(queue) >= pendingChunkLimit {
		return false
	}
	r.pending[key] = append(queue, pendingChunk{chunk: chunk, origin: origin})
	return true
}

// flushPending replays chunks that arrived ahead of their metadata.
func (r *SocketRouter) flushPending(ctx context.Context, sessionID, contentID string) {
	key := pendingKey(sessionID, contentID)

	r.pendingMu.Lock()
	queue := r.pending[key]
	delete(r.pending, key)
	r.pendingMu.Unlock()

	if len(queue) == 0 {
		return
	}

	meta, err := r.store.GetContentMetadata(ctx, contentID)
	if err != nil {
		r.logger.Printf("WARNING: flush metadata lookup %s: %v", contentID, err)
		return
	}

	for _, p := range queue {
		// Replay only chunks whose origin is still bound to the announcing
		// session, mirroring the check on the direct chunk path. The origin
		// may have left and rejoined elsewhere while its chunk sat buffered.
		if originSession := p.origin.SessionID(); originSession != sessionID || meta.SessionID != originSession {
			r.sendError(p.origin, codeUnauthorized, "chunk session does not match connection")
			continue
		}
		r.persistAndFanOut(ctx, p.origin, sessionID, p.chunk, meta.IsLargeFile)
	}
}

func (r *SocketRouter) handlePin(ctx context.Context, c *Client, data json.RawMessage, pin bool) {
	sessionID, _, ok := r.requireBinding(c)
	if !ok {
		return
	}
	r.registry.Touch(ctx, sessionID)

	var req models.PinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ContentID == "" {
		r.sendError(c, codeProtocolError, "malformed pin payload")
		return
	}

	var err error
	if pin {
		err = r.store.PinContent(ctx, req.ContentID)
	} else {
		err = r.store.UnpinContent(ctx, req.ContentID)
	}
	if err != nil {
		r.logger.Printf("ERROR: pin %s: %v", req.ContentID, err)
		r.sendError(c, codeStorageError, "failed to update pin state")
		return
	}

	event := models.EventPin
	if !pin {
		event = models.EventUnpin
	}
	r.hub.BroadcastToSession(sessionID, c, event,
		models.PinState{ContentID: req.ContentID, IsPinned: pin})
}

func (r *SocketRouter) handleRename(ctx context.Context, c *Client, data json.RawMessage) {
	sessionID, _, ok := r.requireBinding(c)
	if !ok {
		return
	}
	r.registry.Touch(ctx, sessionID)

	var req models.RenameRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ContentID == "" {
		r.sendError(c, codeProtocolError, "malformed rename payload")
		return
	}

	if err := r.store.RenameContent(ctx, req.ContentID, req.FileName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.sendError(c, codeNotFound, "unknown content "+req.ContentID)
			return
		}
		r.logger.Printf("ERROR: rename %s: %v", req.ContentID, err)
		r.sendError(c, codeStorageError, "failed to rename content")
		return
	}

	r.hub.BroadcastToSession(sessionID, c, models.EventRename, req)
}

func (r *SocketRouter) handleClearAll(ctx context.Context, c *Client, data json.RawMessage) {
	sessionID, clientID, ok := r.requireBinding(c)
	if !ok {
		return
	}
	r.registry.Touch(ctx, sessionID)

	var req models.ClearAllRequest
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		r.sendError(c, codeProtocolError, "malformed clear-all payload")
		return
	}
	// Authorization reduces to membership in the named session.
	if req.SessionID != sessionID || !r.registry.IsMember(sessionID, clientID) {
		r.sendError(c, codeUnauthorized, "not a member of session "+req.SessionID)
		return
	}

	if err := r.store.ClearSession(ctx, sessionID); err != nil {
		r.logger.Printf("ERROR: clear session %s: %v", sessionID, err)
		r.sendError(c, codeStorageError, "failed to clear session")
		return
	}

	r.logger.Printf("Session %s cleared by %s", sessionID, clientID)
	r.hub.BroadcastToSession(sessionID, c, models.EventContentCleared,
		models.ClearAllRequest{SessionID: sessionID})
}

// requireBinding rejects events from connections that have not joined.
func (r *SocketRouter) requireBinding(c *Client) (sessionID, clientID string, ok bool) {
	sessionID, clientID = c.Binding()
	if sessionID == "" {
		r.sendError(c, codeUnauthorized, "join a session first")
		return "", "", false
	}
	return sessionID, clientID, true
}

func (r *SocketRouter) memberName(sessionID, clientID string) string {
	for _, m := range r.registry.SnapshotMembers(sessionID) {
		if m.ClientID == clientID {
			return m.Name
		}
	}
	return ""
}

// sendEvent queues one envelope for a single client.
func (r *SocketRouter) sendEvent(c *Client, event string, data interface{}) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		r.logger.Printf("ERROR: marshal %s reply: %v", event, err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		r.logger.Printf("ERROR: marshal %s envelope: %v", event, err)
		return
	}
	select {
	case c.send <- raw:
	default:
		r.logger.Printf("Dropping reply to stalled client %s", c.remoteAddr)
	}
}

func (r *SocketRouter) sendError(c *Client, code, message string) {
	r.sendEvent(c, models.EventError, models.ErrorReply{Code: code, Message: message})
}
