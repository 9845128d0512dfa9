package nats

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type capture struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *capture) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return c.err
}

func TestRingtoneSignals(t *testing.T) {
	pub := &capture{}
	r := NewRingtone(pub, "chat", "u1", nil)

	r.Start()
	r.Stop()

	if len(pub.subjects) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(pub.subjects))
	}
	for _, s := range pub.subjects {
		if s != "chat.ringtone.u1" {
			t.Fatalf("unexpected subject %s", s)
		}
	}
	var sig ringtoneSignal
	if err := json.Unmarshal(pub.payloads[0], &sig); err != nil || sig.Action != "start" {
		t.Fatalf("expected start signal, got %+v (%v)", sig, err)
	}
	if err := json.Unmarshal(pub.payloads[1], &sig); err != nil || sig.Action != "stop" {
		t.Fatalf("expected stop signal, got %+v (%v)", sig, err)
	}
}

func TestRingtonePublishErrorIsSwallowed(t *testing.T) {
	pub := &capture{err: errors.New("disconnected")}
	r := NewRingtone(pub, "", "u1", nil)
	r.Start()
	if r.Subject() != "ringtone.u1" {
		t.Fatalf("unexpected subject %s", r.Subject())
	}
}

func TestCreateTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := createTLSConfig(filepath.Join(dir, "missing.pem"), "", ""); err == nil {
		t.Fatalf("expected error for missing CA file")
	}

	bad := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := createTLSConfig(bad, "", ""); err == nil {
		t.Fatalf("expected error for invalid CA")
	}
}
