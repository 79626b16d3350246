package agent

import (
	"encoding/base64"
	"errors"
	"log"
)

// MediaImportHandler stages a compressed archive of media files into
// the device queue. Request body: the raw archive bytes, or
// {"payload": "<base64 zip>"}.
type MediaImportHandler struct {
	Store MediaStore
}

func (h *MediaImportHandler) Handle(req *Request) *Response {
	var data []byte
	if payload, ok := req.StringArg("payload"); ok && payload != "" {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Fail(ErrorInvalidArgument, "payload is not valid base64: %v", err)
		}
		data = decoded
	} else if len(req.Body) > 0 {
		data = req.Body
	} else {
		return Fail(ErrorInvalidArgument, "archive data is required: raw body or base64 payload argument")
	}

	assets, err := h.Store.ImportArchive(data)
	if err != nil {
		var unsupported *UnsupportedMediaError
		switch {
		case errors.As(err, &unsupported):
			return Fail(ErrorUnsupportedMediaType, "%v", unsupported)
		case errors.Is(err, ErrBadArchive):
			return Fail(ErrorInvalidArgument, "%v", err)
		default:
			log.Printf("[media] import failed (req %s): %v", req.ID, err)
			return Fail(ErrorInternal, "import media archive: %v", err)
		}
	}

	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}
	log.Printf("[media] imported %d asset(s) (req %s)", len(ids), req.ID)
	return OK(map[string]any{"ids": ids})
}

// MediaPopHandler dequeues the oldest staged asset. Takes no body.
type MediaPopHandler struct {
	Store MediaStore
}

func (h *MediaPopHandler) Handle(req *Request) *Response {
	asset, err := h.Store.PopOldest()
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return Fail(ErrorNotFound, "media queue is empty")
		}
		log.Printf("[media] pop failed (req %s): %v", req.ID, err)
		return Fail(ErrorInternal, "pop media asset: %v", err)
	}
	return OK(asset)
}

// RegisterMediaRoutes binds the media command family.
func RegisterMediaRoutes(r *Router, store MediaStore) error {
	if err := r.Register("POST", "/media/import", &MediaImportHandler{Store: store}); err != nil {
		return err
	}
	return r.Register("POST", "/media/pop", &MediaPopHandler{Store: store})
}
