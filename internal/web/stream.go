package web

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yk-abe/people-counter/internal/annotate"
	"github.com/yk-abe/people-counter/internal/logger"
)

const (
	mjpegIdleTimeout = 5 * time.Second
	sseKeepalive     = 30 * time.Second
)

// ssePayload holds one event pre-serialized in both wire formats.
type ssePayload struct {
	jsonData []byte
	pbData   []byte // Protobuf, base64 encoded for SSE transport
}

func (p *ssePayload) data(useProtobuf bool) []byte {
	if useProtobuf {
		return p.pbData
	}
	return p.jsonData
}

// serializeDual wraps a JSON payload into both SSE wire formats. The
// protobuf form is the well-known Struct encoding of the same document.
func serializeDual(jsonData []byte) (*ssePayload, error) {
	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &ssePayload{
		jsonData: jsonData,
		pbData:   []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// wantsProtobuf checks content negotiation for the SSE endpoints.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func setSSEHeaders(w http.ResponseWriter, useProtobuf bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
}

// streamMJPEG writes frames from the channel as a multipart MJPEG
// stream. When no frame arrives for a while a placeholder keeps the
// connection alive.
func streamMJPEG(w http.ResponseWriter, r *http.Request, frames <-chan []byte, latest func() []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	placeholder := annotate.PlaceholderJPEG(640, 480, "no signal")

	// Start from the most recent frame so the client is not blank until
	// the next tick.
	if data := latest(); data != nil {
		if !writeMJPEGPart(w, data) {
			return
		}
		flusher.Flush()
	}

	for {
		var jpegData []byte
		select {
		case data, ok := <-frames:
			if !ok {
				// Channel closed, client should disconnect
				return
			}
			jpegData = data
		case <-time.After(mjpegIdleTimeout):
			// No frame recently, send a placeholder to keep the connection alive
			jpegData = placeholder
		case <-r.Context().Done():
			return
		}

		if jpegData == nil {
			jpegData = placeholder
		}
		if !writeMJPEGPart(w, jpegData) {
			return
		}
		flusher.Flush()
	}
}

func writeMJPEGPart(w http.ResponseWriter, jpegData []byte) bool {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		logger.Debug("MJPEG", "Client disconnected during write: %v", err)
		return false
	}
	if _, err := w.Write(jpegData); err != nil {
		logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
		return false
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		logger.Debug("MJPEG", "Client disconnected during delimiter write: %v", err)
		return false
	}
	return true
}

func writeSSE(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeSSEKeepalive(w http.ResponseWriter) error {
	_, err := fmt.Fprintf(w, ": keepalive\n\n")
	return err
}
