package audio

import (
	"strings"
	"testing"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := make([]byte, 320)
	wav, err := EncodeWAVPCM16LE(pcm, 24000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != WAVHeaderSize+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), WAVHeaderSize+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("unexpected header: %q", wav[:44])
	}
	rate, err := WAVSampleRate(wav)
	if err != nil {
		t.Fatalf("WAVSampleRate() error = %v", err)
	}
	if rate != 24000 {
		t.Fatalf("rate = %d, want 24000", rate)
	}
}

func TestWAVSampleRateShortInput(t *testing.T) {
	if _, err := WAVSampleRate([]byte("RIFF")); err == nil {
		t.Fatalf("WAVSampleRate() expected error for short input")
	}
}

func TestDataURI(t *testing.T) {
	got := DataURI("", []byte("hi"))
	if !strings.HasPrefix(got, "data:audio/mp3;base64,") {
		t.Fatalf("DataURI() = %q, want mp3 prefix", got)
	}
	if !strings.HasSuffix(got, "aGk=") {
		t.Fatalf("DataURI() = %q, want base64 payload", got)
	}
}
