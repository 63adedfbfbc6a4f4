package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"

	"snaprgb/models"
)

// publisher is satisfied by *nats.Conn.
type publisher interface {
	Publish(subject string, data []byte) error
}

// StateReporter publishes every state a node reports on rgb.<addr>.reported.
type StateReporter struct {
	pub publisher
	now func() time.Time
}

func NewStateReporter(pub publisher) *StateReporter {
	return &StateReporter{pub: pub, now: time.Now}
}

func ReportedSubject(addr models.Address) string {
	return fmt.Sprintf("rgb.%v.reported", addr)
}

func (r *StateReporter) Report(addr models.Address, state models.RGB) error {
	data, err := json.Marshal(models.ReportedState{
		Addr:      addr.String(),
		Timestamp: r.now().UnixMilli(),
		State:     state,
	})
	if err != nil {
		return errors.Trace(err)
	}
	subject := ReportedSubject(addr)
	if err := r.pub.Publish(subject, data); err != nil {
		return errors.Annotatef(err, "publishing %s", subject)
	}
	return nil
}
