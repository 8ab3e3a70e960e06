package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseTelephonyEventStartReadsNestedStreamSID(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1","tracks":["inbound"]}}`)
	ev, err := ParseTelephonyEvent(raw)
	if err != nil {
		t.Fatalf("ParseTelephonyEvent() error = %v", err)
	}
	if ev.Kind != TelephonyConnected {
		t.Fatalf("Kind = %v, want %v", ev.Kind, TelephonyConnected)
	}
	if ev.StreamSID != "MZ1" || ev.CallSID != "CA1" {
		t.Fatalf("unexpected ids: %+v", ev)
	}
}

func TestParseTelephonyEventConnectedTopLevelStreamSID(t *testing.T) {
	ev, err := ParseTelephonyEvent([]byte(`{"event":"connected","streamSid":"s1","protocol":"Call"}`))
	if err != nil {
		t.Fatalf("ParseTelephonyEvent() error = %v", err)
	}
	if ev.Kind != TelephonyConnected || ev.StreamSID != "s1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseTelephonyEventMediaDecodesPayload(t *testing.T) {
	raw := []byte(`{"event":"media","streamSid":"s1","media":{"track":"inbound","chunk":"2","payload":"/wCA"}}`)
	ev, err := ParseTelephonyEvent(raw)
	if err != nil {
		t.Fatalf("ParseTelephonyEvent() error = %v", err)
	}
	if ev.Kind != TelephonyMedia {
		t.Fatalf("Kind = %v, want %v", ev.Kind, TelephonyMedia)
	}
	want := []byte{0xFF, 0x00, 0x80}
	if string(ev.Payload) != string(want) {
		t.Fatalf("Payload = %v, want %v", ev.Payload, want)
	}
	if ev.Track != "inbound" {
		t.Fatalf("Track = %q, want %q", ev.Track, "inbound")
	}
}

func TestParseTelephonyEventStopAndMark(t *testing.T) {
	ev, err := ParseTelephonyEvent([]byte(`{"event":"stop","streamSid":"s1"}`))
	if err != nil || ev.Kind != TelephonyStop {
		t.Fatalf("stop: ev = %+v, err = %v", ev, err)
	}
	ev, err = ParseTelephonyEvent([]byte(`{"event":"mark","mark":{"name":"greeting"}}`))
	if err != nil || ev.Kind != TelephonyMark || ev.Mark != "greeting" {
		t.Fatalf("mark: ev = %+v, err = %v", ev, err)
	}
}

func TestParseTelephonyEventRejectsUnknownEvent(t *testing.T) {
	_, err := ParseTelephonyEvent([]byte(`{"event":"dtmf"}`))
	if !errors.Is(err, ErrUnsupportedEventType) {
		t.Fatalf("error = %v, want ErrUnsupportedEventType", err)
	}
}

func TestParseTelephonyEventRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"event":"media"}`,
		`{"event":"media","media":{"payload":"***"}}`,
	}
	for _, raw := range cases {
		if _, err := ParseTelephonyEvent([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("ParseTelephonyEvent(%s) error = %v, want ErrMalformedMessage", raw, err)
		}
	}
}

func TestEncodeTelephonyMedia(t *testing.T) {
	data, err := EncodeTelephonyMedia("s1", []byte{0xFF, 0x00, 0x80})
	if err != nil {
		t.Fatalf("EncodeTelephonyMedia() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["event"] != "media" || got["streamSid"] != "s1" {
		t.Fatalf("unexpected frame: %s", data)
	}
	media, _ := got["media"].(map[string]any)
	if media["payload"] != "/wCA" {
		t.Fatalf("payload = %v, want %q", media["payload"], "/wCA")
	}
}

func BenchmarkParseTelephonyEventMedia(b *testing.B) {
	raw := []byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"7","timestamp":"140","payload":"//////////8="}}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, err := ParseTelephonyEvent(raw)
		if err != nil {
			b.Fatalf("ParseTelephonyEvent() error = %v", err)
		}
		if ev.Kind != TelephonyMedia {
			b.Fatalf("Kind = %v, want media", ev.Kind)
		}
	}
}
