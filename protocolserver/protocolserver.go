// Package protocolserver runs the binary protocol's accept/dispatch
// loop: one goroutine per connection, reading length-prefixed frames,
// dispatching each to the store facade, and publishing the
// corresponding event-bus events at the same points the original
// handle_client loop does.
package protocolserver

import (
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"cxdb/cxdberr"
	"cxdb/eventbus"
	"cxdb/protocol"
	"cxdb/store"
	"cxdb/turnstore"
)

// Server accepts binary-protocol connections and dispatches frames
// against a store facade, publishing events to bus as it goes.
type Server struct {
	store    *store.Store
	bus      *eventbus.Bus
	sessions *protocol.SessionTracker
	log      zerolog.Logger
}

// New returns a Server ready to Serve connections.
func New(st *store.Store, bus *eventbus.Bus, log zerolog.Logger) *Server {
	return &Server{
		store:    st,
		bus:      bus,
		sessions: protocol.NewSessionTracker(),
		log:      log,
	}
}

// Serve accepts connections on ln until it returns an error (including
// on listener close, which callers use to stop serving).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	peerAddr := conn.RemoteAddr().String()
	sessionID := s.sessions.RegisterSession()
	clientTagReceived := false
	clientTag := ""

	ensureRegistered := func() {
		if !clientTagReceived {
			s.sessions.Register(sessionID, "", peerAddr)
			clientTagReceived = true
		}
	}

	for {
		hdr, payload, err := protocol.ReadFrame(conn)
		if err != nil {
			// A clean EOF at a frame boundary is a normal close, not a
			// failure; anything else also just ends the connection.
			break
		}

		s.sessions.RecordActivity(sessionID)

		respType, respPayload, dispatchErr := s.dispatch(hdr, payload, sessionID, peerAddr, &clientTagReceived, &clientTag, ensureRegistered)
		if dispatchErr != nil {
			errPayload := protocol.EncodeError(protocol.ErrorCode(dispatchErr), dispatchErr.Error())
			if err := protocol.WriteFrame(conn, protocol.MsgError, 0, hdr.ReqID, errPayload); err != nil {
				break
			}
			continue
		}

		if err := protocol.WriteFrame(conn, respType, 0, hdr.ReqID, respPayload); err != nil {
			break
		}
	}

	contexts := s.sessions.Unregister(sessionID)
	contextStrs := make([]string, len(contexts))
	for i, id := range contexts {
		contextStrs[i] = formatUint(id)
	}
	s.bus.Publish(eventbus.StoreEvent{
		Type: eventbus.ClientDisconnected,
		ClientDisconnected: &eventbus.ClientDisconnectedPayload{
			SessionID: formatUint(sessionID),
			ClientTag: clientTag,
			Contexts:  contextStrs,
		},
	})
}

func (s *Server) dispatch(
	hdr protocol.FrameHeader,
	payload []byte,
	sessionID uint64,
	peerAddr string,
	clientTagReceived *bool,
	clientTag *string,
	ensureRegistered func(),
) (protocol.MsgType, []byte, error) {
	switch hdr.MsgType {
	case protocol.MsgHello:
		req, err := protocol.ParseHello(payload)
		if err != nil {
			return 0, nil, err
		}
		if !*clientTagReceived {
			*clientTag = req.ClientTag
			s.sessions.Register(sessionID, req.ClientTag, peerAddr)
			*clientTagReceived = true
			s.bus.Publish(eventbus.StoreEvent{
				Type: eventbus.ClientConnected,
				ClientConnected: &eventbus.ClientConnectedPayload{
					SessionID: formatUint(sessionID),
					ClientTag: req.ClientTag,
				},
			})
		}
		return protocol.MsgHello, protocol.EncodeHelloResp(sessionID, 1), nil

	case protocol.MsgCtxCreate:
		ensureRegistered()
		baseTurnID, err := protocol.ParseCtxCreate(payload)
		if err != nil {
			return 0, nil, err
		}
		head, err := s.store.CreateContext(baseTurnID)
		if err != nil {
			return 0, nil, err
		}
		s.sessions.AddContext(sessionID, head.ContextID)
		s.publishContextCreated(head.ContextID, sessionID, *clientTag)
		return protocol.MsgCtxCreate, protocol.EncodeHeadResp(head.ContextID, head.HeadTurnID, head.HeadDepth), nil

	case protocol.MsgCtxFork:
		ensureRegistered()
		baseTurnID, err := protocol.ParseCtxFork(payload)
		if err != nil {
			return 0, nil, err
		}
		head, err := s.store.ForkContext(baseTurnID)
		if err != nil {
			return 0, nil, err
		}
		s.sessions.AddContext(sessionID, head.ContextID)
		s.publishContextCreated(head.ContextID, sessionID, *clientTag)
		return protocol.MsgCtxFork, protocol.EncodeHeadResp(head.ContextID, head.HeadTurnID, head.HeadDepth), nil

	case protocol.MsgGetHead:
		contextID, err := protocol.ParseGetHead(payload)
		if err != nil {
			return 0, nil, err
		}
		head, err := s.store.GetHead(contextID)
		if err != nil {
			return 0, nil, err
		}
		return protocol.MsgGetHead, protocol.EncodeHeadResp(head.ContextID, head.HeadTurnID, head.HeadDepth), nil

	case protocol.MsgAppendTurn:
		req, err := protocol.ParseAppendTurn(payload, hdr.Flags)
		if err != nil {
			return 0, nil, err
		}
		// req.FsRootHash is intentionally discarded: filesystem snapshot
		// attachment is not supported by this deployment.
		record, metadata, err := s.store.AppendTurn(
			req.ContextID, req.ParentTurnID, req.DeclaredTypeID, req.DeclaredTypeVersion,
			req.Encoding, req.Compression, req.UncompressedLen, req.ContentHash, req.PayloadBytes,
		)
		if err != nil {
			return 0, nil, err
		}
		s.publishTurnAppended(req.ContextID, record, req.DeclaredTypeID, req.DeclaredTypeVersion)
		if metadata != nil {
			s.publishMetadataUpdated(req.ContextID, metadata)
		}
		return protocol.MsgAppendTurn, protocol.EncodeAppendAck(req.ContextID, record.TurnID, record.Depth, record.PayloadHash), nil

	case protocol.MsgAttachFs:
		if _, err := protocol.ParseAttachFs(payload); err != nil {
			return 0, nil, err
		}
		return 0, nil, cxdberr.InvalidInput("attach_fs: filesystem snapshot attachment is not supported by this deployment")

	case protocol.MsgPutBlob:
		req, err := protocol.ParsePutBlob(payload)
		if err != nil {
			return 0, nil, err
		}
		wasNew, err := s.store.PutBlob(req.Hash, req.Data)
		if err != nil {
			return 0, nil, err
		}
		return protocol.MsgPutBlob, protocol.EncodePutBlobResp(req.Hash, wasNew), nil

	case protocol.MsgGetLast:
		req, err := protocol.ParseGetLast(payload)
		if err != nil {
			return 0, nil, err
		}
		turns, err := s.store.GetLast(req.ContextID, int(req.Limit), req.IncludePayload)
		if err != nil {
			return 0, nil, err
		}
		items := make([]protocol.GetLastItem, len(turns))
		for i, t := range turns {
			items[i] = protocol.GetLastItem{
				TurnID:              t.Record.TurnID,
				ParentTurnID:        t.Record.ParentTurnID,
				Depth:               t.Record.Depth,
				DeclaredTypeID:      t.Meta.DeclaredTypeID,
				DeclaredTypeVersion: t.Meta.DeclaredTypeVersion,
				Encoding:            t.Meta.Encoding,
				Compression:         t.Meta.Compression,
				UncompressedLen:     t.Meta.UncompressedLen,
				PayloadHash:         t.Record.PayloadHash,
				Payload:             t.Payload,
			}
		}
		return protocol.MsgGetLast, protocol.EncodeGetLastResp(items), nil

	case protocol.MsgGetBlob:
		hash, err := protocol.ParseGetBlob(payload)
		if err != nil {
			return 0, nil, err
		}
		data, err := s.store.GetBlob(hash)
		if err != nil {
			return 0, nil, err
		}
		return protocol.MsgGetBlob, protocol.EncodeGetBlobResp(data), nil

	default:
		return 0, nil, cxdberr.InvalidInput("unknown msg_type")
	}
}

func (s *Server) publishContextCreated(contextID, sessionID uint64, clientTag string) {
	s.bus.Publish(eventbus.StoreEvent{
		Type: eventbus.ContextCreated,
		ContextCreated: &eventbus.ContextCreatedPayload{
			ContextID:   formatUint(contextID),
			SessionID:   formatUint(sessionID),
			ClientTag:   clientTag,
			CreatedAtMs: uint64(time.Now().UnixMilli()),
		},
	})
}

func (s *Server) publishTurnAppended(contextID uint64, record turnstore.TurnRecord, typeID string, typeVersion uint32) {
	s.bus.Publish(eventbus.StoreEvent{
		Type: eventbus.TurnAppended,
		TurnAppended: &eventbus.TurnAppendedPayload{
			ContextID:           formatUint(contextID),
			TurnID:              formatUint(record.TurnID),
			ParentTurnID:        formatUint(record.ParentTurnID),
			Depth:               record.Depth,
			DeclaredTypeID:      &typeID,
			DeclaredTypeVersion: &typeVersion,
		},
	})
}

func (s *Server) publishMetadataUpdated(contextID uint64, metadata *store.ContextMetadata) {
	var labels *[]string
	if metadata.Labels != nil {
		labels = &metadata.Labels
	}
	s.bus.Publish(eventbus.StoreEvent{
		Type: eventbus.ContextMetadataUpdated,
		ContextMetadataUpdated: &eventbus.ContextMetadataUpdatedPayload{
			ContextID:     formatUint(contextID),
			ClientTag:     metadata.ClientTag,
			Title:         metadata.Title,
			Labels:        labels,
			HasProvenance: metadata.Provenance != nil,
		},
	})

	if metadata.Provenance != nil && metadata.Provenance.ParentContextID != nil {
		parent := formatUint(*metadata.Provenance.ParentContextID)
		var root *string
		if metadata.Provenance.RootContextID != nil {
			r := formatUint(*metadata.Provenance.RootContextID)
			root = &r
		}
		s.bus.Publish(eventbus.StoreEvent{
			Type: eventbus.ContextLinked,
			ContextLinked: &eventbus.ContextLinkedPayload{
				ChildContextID:  formatUint(contextID),
				ParentContextID: parent,
				RootContextID:   root,
				SpawnReason:     metadata.Provenance.SpawnReason,
			},
		})
	}
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
