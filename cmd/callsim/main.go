// Command callsim plays a synthetic telephony caller against a running
// callbridge: it streams µ-law media frames at telephony pacing and reports
// how much audio came back and how long the first reply took.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol"
)

type options struct {
	url        string
	wavPath    string
	recordPath string
	seconds    float64
	toneHz     float64
	chunkMS    int
	realtime   float64
	hold       time.Duration
	streamSID  string
	callSID    string
	verbose    bool
}

type replayStats struct {
	framesSent     int
	framesReceived int
	bytesReceived  int
	firstSent      time.Time
	firstReceived  time.Time
	closeCode      int
	received       []byte
}

func (s replayStats) firstAudioLatency() time.Duration {
	if s.firstSent.IsZero() || s.firstReceived.IsZero() {
		return 0
	}
	return s.firstReceived.Sub(s.firstSent)
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("callsim: sent=%d received=%d bytes=%d first_audio_ms=%d close_code=%d\n",
		stats.framesSent, stats.framesReceived, stats.bytesReceived,
		stats.firstAudioLatency().Milliseconds(), stats.closeCode)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var holdMS int
	fs := flag.NewFlagSet("callsim", flag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", "ws://127.0.0.1:8080/media-stream", "callbridge media stream URL (http(s) or ws(s))")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 or µ-law WAV to play (default: a synthetic tone)")
	fs.StringVar(&cfg.recordPath, "record", "", "write the audio received back to this WAV file")
	fs.Float64Var(&cfg.seconds, "seconds", 3, "tone length in seconds when -wav is not set")
	fs.Float64Var(&cfg.toneHz, "tone-hz", 440, "tone frequency when -wav is not set")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 20, "media frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&holdMS, "hold-ms", 3000, "keep listening this long after the last frame before sending stop")
	fs.StringVar(&cfg.streamSID, "stream-sid", "", "stream id to announce (default: random)")
	fs.StringVar(&cfg.callSID, "call-sid", "", "call id to announce (default: random)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	u, err := mediaStreamURL(cfg.url)
	if err != nil {
		return options{}, err
	}
	cfg.url = u
	if cfg.chunkMS < 10 || cfg.chunkMS > 1000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,1000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.wavPath == "" && (cfg.seconds <= 0 || cfg.toneHz <= 0) {
		return options{}, fmt.Errorf("seconds and tone-hz must be > 0")
	}
	cfg.hold = time.Duration(max(holdMS, 0)) * time.Millisecond
	if cfg.streamSID == "" {
		cfg.streamSID = "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if cfg.callSID == "" {
		cfg.callSID = "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return cfg, nil
}

// mediaStreamURL normalises base to a websocket URL, defaulting the path to
// /media-stream.
func mediaStreamURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url host is required")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/media-stream"
	}
	return u.String(), nil
}

// loadClip returns the caller audio as 8 kHz µ-law.
func loadClip(cfg options) ([]byte, error) {
	if cfg.wavPath == "" {
		return synthTone(cfg.seconds, cfg.toneHz), nil
	}
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", cfg.wavPath, err)
	}
	samples := audio.Resample(audio.BytesToSamples(pcm), rate, audio.TelephonyRate)
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s holds no audio", cfg.wavPath)
	}
	return audio.EncodeMulawSamples(samples), nil
}

func synthTone(seconds, hz float64) []byte {
	n := int(seconds * audio.TelephonyRate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/audio.TelephonyRate))
	}
	return audio.EncodeMulawSamples(samples)
}

func run(ctx context.Context, cfg options) (replayStats, error) {
	clip, err := loadClip(cfg)
	if err != nil {
		return replayStats{}, fmt.Errorf("prepare audio: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.url, nil)
	if err != nil {
		return replayStats{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readDone := make(chan replayStats, 1)
	go readLoop(conn, cfg.verbose, readDone)

	stats, err := replay(ctx, conn, cfg, clip)
	if err != nil {
		return stats, err
	}

	var got replayStats
	select {
	case got = <-readDone:
	case <-time.After(10 * time.Second):
		_ = conn.Close()
		got = <-readDone
	}
	stats.framesReceived = got.framesReceived
	stats.bytesReceived = got.bytesReceived
	stats.firstReceived = got.firstReceived
	stats.closeCode = got.closeCode
	stats.received = got.received

	if cfg.recordPath != "" && len(stats.received) > 0 {
		pcm := audio.SamplesToBytes(audio.DecodeMulawBytes(stats.received))
		if err := audio.WriteWAVFile(cfg.recordPath, pcm, audio.TelephonyRate); err != nil {
			return stats, fmt.Errorf("record: %w", err)
		}
	}
	return stats, nil
}

// replay announces the stream, sends the clip as paced media frames, waits
// for the hold period and then sends stop.
func replay(ctx context.Context, conn *websocket.Conn, cfg options, clip []byte) (replayStats, error) {
	var stats replayStats
	if err := conn.WriteJSON(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}); err != nil {
		return stats, err
	}
	start := map[string]any{
		"event":     "start",
		"streamSid": cfg.streamSID,
		"start": map[string]any{
			"streamSid": cfg.streamSID,
			"callSid":   cfg.callSID,
			"mediaFormat": map[string]any{
				"encoding": "audio/x-mulaw", "sampleRate": audio.TelephonyRate, "channels": 1,
			},
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		return stats, err
	}

	chunk := audio.TelephonyRate * cfg.chunkMS / 1000
	pace := time.Duration(float64(time.Duration(cfg.chunkMS)*time.Millisecond) / cfg.realtime)
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	for off := 0; off < len(clip); off += chunk {
		frame, err := protocol.EncodeTelephonyMedia(cfg.streamSID, clip[off:min(off+chunk, len(clip))])
		if err != nil {
			return stats, err
		}
		if stats.framesSent == 0 {
			stats.firstSent = time.Now()
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return stats, fmt.Errorf("send media: %w", err)
		}
		stats.framesSent++
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-ticker.C:
		}
	}
	if cfg.verbose {
		fmt.Printf("callsim: sent %d frames, holding %s\n", stats.framesSent, cfg.hold)
	}

	select {
	case <-ctx.Done():
	case <-time.After(cfg.hold):
	}
	stop, _ := json.Marshal(map[string]any{"event": "stop", "streamSid": cfg.streamSID})
	if err := conn.WriteMessage(websocket.TextMessage, stop); err != nil {
		return stats, fmt.Errorf("send stop: %w", err)
	}
	return stats, nil
}

func readLoop(conn *websocket.Conn, verbose bool, done chan<- replayStats) {
	var stats replayStats
	defer func() { done <- stats }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				stats.closeCode = ce.Code
			} else {
				stats.closeCode = websocket.CloseAbnormalClosure
			}
			return
		}
		ev, err := protocol.ParseTelephonyEvent(data)
		if err != nil {
			if verbose {
				fmt.Fprintf(os.Stderr, "callsim: unreadable frame: %v\n", err)
			}
			continue
		}
		if ev.Kind != protocol.TelephonyMedia {
			continue
		}
		if stats.framesReceived == 0 {
			stats.firstReceived = time.Now()
		}
		stats.framesReceived++
		stats.bytesReceived += len(ev.Payload)
		stats.received = append(stats.received, ev.Payload...)
	}
}
