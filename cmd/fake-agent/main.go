// ABOUTME: Minimal stdio agent for manual and end-to-end testing of coven-mux
// ABOUTME: Usage: fake-agent [--name NAME] [--decide ACTION --confidence 0.9] [--stream]
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/coven-mux/internal/protocol"
)

// inputLine mirrors protocol.Input with a raw payload.
type inputLine struct {
	Type          string          `json:"type"`
	Content       string          `json:"content"`
	CorrelationID string          `json:"correlationId"`
	From          string          `json:"from"`
	Payload       json.RawMessage `json:"payload"`
}

type agent struct {
	name   string
	stream bool
	out    *json.Encoder
}

func main() {
	name := pflag.String("name", "echo", "name used in replies")
	decide := pflag.String("decide", "", "propose this action once at startup")
	confidence := pflag.Float64("confidence", -1, "confidence of the proposed action; negative leaves it unscored")
	stream := pflag.Bool("stream", false, "answer plain messages as a chunked stream")
	pflag.Parse()

	a := &agent{name: *name, stream: *stream, out: json.NewEncoder(os.Stdout)}

	fmt.Fprintf(os.Stderr, "fake-agent %s ready\n", a.name)
	if *decide != "" {
		line := map[string]any{
			"type":        protocol.TypeDecision,
			"action":      *decide,
			"description": "proposed by " + a.name,
		}
		if *confidence >= 0 {
			line["confidence"] = *confidence
		}
		a.emit(line)
	}

	if err := a.run(os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "fake-agent: %v\n", err)
		os.Exit(1)
	}
}

func (a *agent) run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var in inputLine
		if err := json.Unmarshal(scanner.Bytes(), &in); err != nil {
			a.emit(map[string]any{"type": protocol.TypeError, "error": "bad input: " + err.Error()})
			continue
		}
		a.handle(in)
	}
	return scanner.Err()
}

func (a *agent) handle(in inputLine) {
	switch in.Type {
	case "query", "peer-request":
		a.emit(map[string]any{
			"type":          protocol.TypeResponse,
			"correlationId": in.CorrelationID,
			"content":       fmt.Sprintf("%s: %s", a.name, in.Content),
		})
	case "decision-result", "human-response":
		fmt.Fprintf(os.Stderr, "%s: %s %s\n", a.name, in.Type, in.Content)
	case "peer-message":
		a.emit(map[string]any{
			"type":    "message",
			"content": fmt.Sprintf("%s heard from %s: %s", a.name, in.From, in.Content),
		})
	default:
		if a.stream {
			a.echoStream(in.Content)
			return
		}
		a.emit(map[string]any{
			"type":          protocol.TypeResponse,
			"correlationId": in.CorrelationID,
			"content":       "echo: " + in.Content,
		})
	}
}

func (a *agent) echoStream(content string) {
	id := uuid.NewString()
	a.emit(map[string]any{"type": protocol.TypeStreamStart, "streamId": id})
	for _, word := range strings.Fields(content) {
		a.emit(map[string]any{"type": protocol.TypeStreamChunk, "streamId": id, "content": word + " "})
		time.Sleep(20 * time.Millisecond)
	}
	a.emit(map[string]any{"type": protocol.TypeStreamEnd, "streamId": id})
}

func (a *agent) emit(v any) {
	if err := a.out.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "fake-agent: write: %v\n", err)
	}
}
