package nats

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/defcomm/secure-sync/pkg/logger"
)

// Publisher sends raw payloads. *nats.Conn and *Client implement it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type ringtoneSignal struct {
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

// Ringtone signals the audio layer over NATS. Start and Stop publish
// fire-and-forget on <prefix>.ringtone.<userID>.
type Ringtone struct {
	pub     Publisher
	subject string
	logger  *logger.Logger
}

// NewRingtone creates a ringtone signal for userID.
func NewRingtone(pub Publisher, prefix, userID string, log *logger.Logger) *Ringtone {
	if log == nil {
		log = logger.NewNop()
	}
	subject := "ringtone." + userID
	if prefix != "" {
		subject = prefix + "." + subject
	}
	return &Ringtone{pub: pub, subject: subject, logger: log.Named("ringtone")}
}

// Subject returns the subject signals are published on.
func (r *Ringtone) Subject() string { return r.subject }

func (r *Ringtone) Start() { r.signal("start") }

func (r *Ringtone) Stop() { r.signal("stop") }

func (r *Ringtone) signal(action string) {
	data, err := json.Marshal(ringtoneSignal{Action: action, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		r.logger.Warn("failed to publish ringtone signal", zap.String("action", action), zap.Error(err))
	}
}
