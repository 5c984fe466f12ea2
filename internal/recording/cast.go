package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/livedeck/internal/domain"
)

// CastHeader is the first line of an asciicast v2 file.
type CastHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// NewCastHeader builds a header for a run of exec.
func NewCastHeader(exec domain.Execution) CastHeader {
	return CastHeader{
		Version:   2,
		Width:     80,
		Height:    24,
		Timestamp: exec.StartedAt.Unix(),
		Command:   exec.Language,
		Title:     string(exec.CodeBlockID) + " " + exec.RunID,
	}
}

// EncodeCast writes events as asciicast v2. Both streams map to "o" output
// events since the format has no separate stderr channel.
func EncodeCast(w io.Writer, header CastHeader, events []domain.RecordingEvent) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode cast header: %w", err)
	}
	for _, ev := range events {
		secs := float64(ev.RelativeTimeMs) / float64(time.Second/time.Millisecond)
		if err := enc.Encode([]any{secs, "o", string(ev.Data)}); err != nil {
			return fmt.Errorf("encode cast event: %w", err)
		}
	}
	return bw.Flush()
}
