// Command audioclient plays a WAV file into the relay as if it were a
// telephony media stream, echoing marks back the way the provider does.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"call-relay-service/internal/service/media"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Telephony streams carry 20ms of 8kHz mu-law per frame
const (
	frameBytes      = 160
	frameIntervalMs = 20
)

const (
	wavFormatPCM   = 1
	wavFormatMulaw = 7
)

type envelope struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid,omitempty"`
	Start     map[string]any `json:"start,omitempty"`
	Media     *mediaPayload  `json:"media,omitempty"`
	Mark      *markPayload   `json:"mark,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (8kHz mono, PCM 16-bit or mu-law)")
	serverURL := flag.String("server", "ws://localhost:5050/media-stream", "Relay media stream URL")
	callSid := flag.String("call", "CA-test-"+time.Now().Format("150405"), "Call SID")
	outFile := flag.String("out", "", "Write received assistant audio (raw mu-law) to this file")
	flag.Parse()

	audio, err := readWAV(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read audio: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *serverURL)

	streamSid := "MZ" + uuid.NewString()
	var out io.Writer = io.Discard
	if *outFile != "" {
		f, err := os.Create(*outFile)
		if err != nil {
			log.Fatalf("Failed to create output: %v", err)
		}
		defer f.Close()
		out = f
	}

	// Writes are serialized through this channel; gorilla allows one writer.
	writes := make(chan envelope, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		receive(conn, streamSid, writes, out)
	}()
	go func() {
		for env := range writes {
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("Write failed: %v", err)
				return
			}
		}
	}()

	writes <- envelope{Event: "connected"}
	writes <- envelope{
		Event:     "start",
		StreamSid: streamSid,
		Start: map[string]any{
			"streamSid":        streamSid,
			"callSid":          *callSid,
			"tracks":           []string{"inbound"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": map[string]string{"source": "audioclient"},
		},
	}
	log.Printf("Streaming audio: callSid=%s streamSid=%s frames=%d", *callSid, streamSid, len(audio)/frameBytes)

	ticker := time.NewTicker(frameIntervalMs * time.Millisecond)
	defer ticker.Stop()

	startTime := time.Now()
	var chunk int
streaming:
	for off := 0; off < len(audio); off += frameBytes {
		end := off + frameBytes
		if end > len(audio) {
			end = len(audio)
		}
		chunk++
		select {
		case <-done:
			log.Printf("Relay closed the stream after %d frames", chunk)
			break streaming
		case <-ticker.C:
		}
		writes <- envelope{
			Event:     "media",
			StreamSid: streamSid,
			Media: &mediaPayload{
				Track:   "inbound",
				Chunk:   strconv.Itoa(chunk),
				Payload: base64.StdEncoding.EncodeToString(audio[off:end]),
			},
		}
		if chunk%50 == 0 {
			log.Printf("Sent %d frames (%v of audio)", chunk, time.Duration(chunk*frameIntervalMs)*time.Millisecond)
		}
	}
	log.Printf("Finished streaming in %v, waiting for the relay to hang up", time.Since(startTime))

	select {
	case <-done:
	case <-time.After(60 * time.Second):
		log.Println("No hang-up after 60s, stopping stream")
		writes <- envelope{Event: "stop", StreamSid: streamSid}
		<-done
	}
	log.Printf("Call ended")
}

// receive plays the provider's part: acknowledge marks, honour clears, and
// count assistant audio until the relay hangs up.
func receive(conn *websocket.Conn, streamSid string, writes chan<- envelope, out io.Writer) {
	var received int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Stream closed by relay (%d bytes of assistant audio): %v", received, err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("Ignoring undecodable message: %v", err)
			continue
		}
		switch env.Event {
		case "media":
			if env.Media == nil {
				continue
			}
			b, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				continue
			}
			received += len(b)
			_, _ = out.Write(b)
		case "mark":
			if env.Mark != nil {
				writes <- envelope{Event: "mark", StreamSid: streamSid, Mark: env.Mark}
			}
		case "clear":
			log.Printf("Relay cleared playback (caller interrupted)")
		}
	}
}

// readWAV returns the data chunk as 8kHz mu-law.
func readWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Read and validate WAV header
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])
	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if sampleRate != 8000 || numChannels != 1 {
		log.Printf("Warning: expected 8000 Hz mono, got %d Hz with %d channels", sampleRate, numChannels)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	switch audioFormat {
	case wavFormatMulaw:
		return data, nil
	case wavFormatPCM:
		if bitsPerSample != 16 {
			log.Fatalf("Only 16-bit PCM supported, got %d bits", bitsPerSample)
		}
		return media.EncodeMulaw(data), nil
	default:
		log.Fatalf("Unsupported WAV format %d", audioFormat)
		return nil, nil
	}
}
