package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol"
)

func TestMediaStreamURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":           "ws://127.0.0.1:8080/media-stream",
		"https://bridge.example.com/":     "wss://bridge.example.com/media-stream",
		"ws://127.0.0.1:8080/custom":      "ws://127.0.0.1:8080/custom",
		"wss://bridge.example.com/ms?x=1": "wss://bridge.example.com/ms?x=1",
	}
	for in, want := range cases {
		got, err := mediaStreamURL(in)
		if err != nil {
			t.Fatalf("mediaStreamURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("mediaStreamURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := mediaStreamURL("ftp://host"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.chunkMS != 20 || cfg.hold != 3*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !strings.HasPrefix(cfg.streamSID, "MZ") || !strings.HasPrefix(cfg.callSID, "CA") {
		t.Fatalf("generated ids = %q %q", cfg.streamSID, cfg.callSID)
	}
	if _, err := parseFlags([]string{"-chunk-ms", "5"}); err == nil {
		t.Fatalf("expected chunk-ms validation error")
	}
}

func TestLoadClipResamplesWAV(t *testing.T) {
	pcm := audio.SamplesToBytes(make([]int16, 1600)) // 100ms at 16 kHz
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := audio.WriteWAVFile(path, pcm, 16000); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}
	clip, err := loadClip(options{wavPath: path})
	if err != nil {
		t.Fatalf("loadClip() error = %v", err)
	}
	if len(clip) != 800 {
		t.Fatalf("len(clip) = %d, want 800", len(clip))
	}
}

func TestSynthToneLength(t *testing.T) {
	if got := len(synthTone(0.5, 440)); got != 4000 {
		t.Fatalf("len(tone) = %d, want 4000", got)
	}
}

// loopback echoes every media frame and closes normally on stop.
func loopback(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.ParseTelephonyEvent(data)
			if err != nil {
				continue
			}
			switch ev.Kind {
			case protocol.TelephonyMedia:
				_ = conn.WriteMessage(websocket.TextMessage, data)
			case protocol.TelephonyStop:
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunAgainstLoopback(t *testing.T) {
	ts := loopback(t)
	record := filepath.Join(t.TempDir(), "out.wav")
	cfg, err := parseFlags([]string{
		"-url", ts.URL,
		"-seconds", "0.1",
		"-realtime", "10",
		"-hold-ms", "50",
		"-record", record,
	})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := run(ctx, cfg)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if stats.framesSent != 5 || stats.framesReceived != 5 {
		t.Fatalf("sent=%d received=%d, want 5/5", stats.framesSent, stats.framesReceived)
	}
	if stats.bytesReceived != 800 {
		t.Fatalf("bytesReceived = %d, want 800", stats.bytesReceived)
	}
	if stats.closeCode != websocket.CloseNormalClosure {
		t.Fatalf("closeCode = %d, want 1000", stats.closeCode)
	}
	if stats.firstAudioLatency() <= 0 {
		t.Fatalf("first audio latency not measured")
	}

	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil || rate != audio.TelephonyRate || len(pcm) != 1600 {
		t.Fatalf("recording = %d bytes @ %d Hz, err=%v", len(pcm), rate, err)
	}
}
